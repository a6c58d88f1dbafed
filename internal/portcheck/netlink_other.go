//go:build !linux

package portcheck

import (
	"errors"
	"net/netip"
)

func ListenersNetlink() ([]netip.AddrPort, error) {
	return nil, errors.New("ListenersNetlink is available only on Linux")
}
