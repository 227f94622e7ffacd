package port

import (
	"net"
	"strconv"
)

// HostProbe reports whether a host port can still be published.
type HostProbe interface {
	Free(port int) bool
}

// TCPProbe tests a port by binding a TCP listener on BindHost and closing
// it straight away. An empty BindHost means all interfaces, which is where
// Docker publishes by default.
type TCPProbe struct {
	BindHost string
}

// NewScanner returns a TCPProbe bound to all interfaces.
func NewScanner() *TCPProbe {
	return &TCPProbe{}
}

// Free reports whether nothing on the host holds port.
func (p *TCPProbe) Free(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(p.BindHost, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// ProbeFunc adapts a plain function to HostProbe.
type ProbeFunc func(port int) bool

// Free calls f(port).
func (f ProbeFunc) Free(port int) bool {
	return f(port)
}
