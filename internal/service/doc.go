// Package service wires the backend shell together.
//
// Overview
// Shell owns every component needed to bring the backend up and watch it:
// Resolver and Locator find the backend directory, Selector spawns it,
// Supervisor waits for its exit, Checker and Gate answer readiness and
// Monitor keeps probing afterwards. Every startup attempt is recorded in the
// journal when it is enabled.
//
// Data flow:
//
//	Shell.Run
//	   |-- startup goroutine: Launch ------------------------------+
//	   |      Resolve -> Locate -> Selector.Launch -> Outcome      |
//	   |                                  |                        |
//	   |                                  +-> Supervise -> Exit ---+-> journal
//	   |-- readiness goroutine: Gate.Wait
//	   |-- Monitor (gocron) ... until ctx is done
//
// Invariants:
//   - Launch is strictly sequential and never retried.
//   - None of the startup failures stops the host: Run returns only setup
//     errors and nil on cancellation.
//   - The backend is not killed when the host shuts down.
//   - Journal errors are logged and ignored.
//
// internal/service/shell_test.go shows how to drive a Shell.
package service
