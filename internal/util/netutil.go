package util

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/netutil"
)

// CreateListener creates a net.Listener on the given address. A port of 0
// binds an ephemeral port; the returned listener's Addr reports the port the
// kernel chose. When maxConns is positive, at most maxConns connections are
// accepted concurrently.
func CreateListener(network, address string, maxConns int) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}
	if address == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// HTTPURL formats addr as "http://<ip>:<port>". IPv6 hosts are bracketed and
// an unspecified host is replaced by the matching loopback address so the URL
// is dialable.
func HTTPURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String()
	}
	ip := tcp.IP
	if ip == nil || ip.IsUnspecified() {
		if ip != nil && ip.To4() == nil {
			ip = net.IPv6loopback
		} else {
			ip = net.IPv4(127, 0, 0, 1)
		}
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(tcp.Port))
}
