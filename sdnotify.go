package main

import (
	"fmt"
	"net"
)

// sdNotify sends state to systemd over the socket named by NOTIFY_SOCKET.
// Outside systemd the variable is unset and this is a no-op.
func sdNotify(getenv func(string) string, state string) error {
	socketPath := getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return fmt.Errorf("dial NOTIFY_SOCKET: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("write to NOTIFY_SOCKET: %w", err)
	}
	return nil
}
