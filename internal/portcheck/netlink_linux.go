package portcheck

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// ListenersNetlink dumps listening TCP sockets directly from the Linux kernel
// via netlink. It errors when netlink is not accessible, callers are supposed
// to dial instead.
func ListenersNetlink() ([]netip.AddrPort, error) {
	fours, err := ss(false)
	if err != nil {
		return nil, fmt.Errorf("dump socket statistics for ipv4: %w", err)
	}
	sixes, err := ss(true)
	if err != nil {
		return nil, fmt.Errorf("dump socket statistics for ipv6: %w", err)
	}
	return append(fours, sixes...), nil
}

// Constants from linux headers.
const (
	// Netlink family for socket diagnostics.
	NETLINK_SOCK_DIAG = 4

	// Message type: request sockets by family.
	SOCK_DIAG_BY_FAMILY = 20

	IPPROTO_TCP = 6

	// TCP socket state from include/net/tcp_states.h in the Linux kernel.
	TCP_LISTEN = 10

	// inet_diag_req_v2 idiag_states bitmask
	TCPF_LISTEN = 1 << TCP_LISTEN
)

// inet_diag_req_v2 structure (from linux/inet_diag.h).
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// inet_diag_msg layout: family, state, timer, retrans, then the socket id.
const (
	msgSPort   = 4
	msgSrc     = 8
	msgMinSize = msgSrc + 16
)

func ss(ipv6 bool) ([]netip.AddrPort, error) {
	var family uint8 = unix.AF_INET
	iplen := 4
	if ipv6 {
		family = unix.AF_INET6
		iplen = 16
	}
	c, err := netlink.Dial(NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	// zero ID matches every socket
	req := inetDiagReqV2{
		Family:   family,
		Protocol: IPPROTO_TCP,
		States:   TCPF_LISTEN,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal req: %w", err)
	}

	msgs, err := c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  SOCK_DIAG_BY_FAMILY,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ret := make([]netip.AddrPort, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done || len(m.Data) < msgMinSize {
			continue
		}
		sport := binary.BigEndian.Uint16(m.Data[msgSPort : msgSPort+2])
		addr, ok := netip.AddrFromSlice(m.Data[msgSrc : msgSrc+iplen])
		if !ok {
			return nil, fmt.Errorf("invalid IP %x", m.Data[msgSrc:msgSrc+iplen])
		}
		ret = append(ret, netip.AddrPortFrom(addr.Unmap(), sport))
	}
	return ret, nil
}
