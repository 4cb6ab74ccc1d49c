package net

import (
	"fmt"
	"net"
)

// EphemeralTCPPorts returns n distinct free ports on the loopback interface.
// All listeners are held until every port is acquired, so the ports don't repeat.
func EphemeralTCPPorts(n int) ([]int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		listener, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listening to acquire port: %w", err)
		}
		defer listener.Close()
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
