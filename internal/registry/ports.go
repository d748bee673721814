package registry

import (
	"net"
	"strconv"
)

// PortProber reports whether host:port can be bound right now.
type PortProber func(host string, port int) bool

// ListenProbe checks a port by briefly binding it.
func ListenProbe(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
