// Package freeport finds an available TCP port by briefly binding to
// port 0 and reading back what the kernel assigned, used by the embedded
// NATS setup in api/pkg/pubsub to avoid hardcoding ports in tests and
// single-process deployments.
package freeport

import "net"

// GetFreePort asks the kernel for an available TCP port on localhost.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
