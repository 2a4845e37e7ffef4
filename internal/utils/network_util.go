package utils

import (
	"fmt"
	"net"
	"strconv"
)

// VerifyPortAvailable checks that the status API can bind host:port before
// training starts, so a taken port fails the run up front instead of
// surfacing later from the server goroutine. Port "0" asks for any free port.
func VerifyPortAvailable(host string, port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid status port %q: %w", port, err)
	}
	if portNum < 0 || portNum > 65535 {
		return fmt.Errorf("status port %d out of range", portNum)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(portNum)))
	if err != nil {
		return fmt.Errorf("status port %d is in use: %w", portNum, err)
	}
	return ln.Close()
}
