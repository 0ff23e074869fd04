package remote

import (
	"fmt"
	"net"
)

// cgnat is the 100.64.0.0/10 range Tailscale assigns node addresses from.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// connectionURLs computes the externally reachable base URLs. The loopback
// URL always exists; LAN and tailscale URLs are reported only when the
// listener is bound to all interfaces.
func connectionURLs(port int, exposed bool) (loopback, wifi, tailscale string) {
	loopback = fmt.Sprintf("http://127.0.0.1:%d", port)
	if !exposed {
		return loopback, "", ""
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return loopback, "", ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		switch {
		case cgnat.Contains(ip):
			if tailscale == "" {
				tailscale = fmt.Sprintf("http://%s:%d", ip, port)
			}
		case ip.IsPrivate():
			if wifi == "" {
				wifi = fmt.Sprintf("http://%s:%d", ip, port)
			}
		}
	}
	return loopback, wifi, tailscale
}
