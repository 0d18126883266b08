package discovery

import (
	"fmt"
	"net"
)

// LocalAddresses returns the host's non-loopback IPv4 addresses. Devices on
// the local network pair by probing these addresses across the port range,
// so the list is logged at startup and exposed on the status surface.
func LocalAddresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
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
			out = append(out, ip.String())
		}
	}
	return out, nil
}

// PairingURLs renders ws:// URLs for every local address on the given port,
// ready to show an operator or encode in a pairing QR code.
func PairingURLs(port int) []string {
	addrs, err := LocalAddresses()
	if err != nil || len(addrs) == 0 {
		return nil
	}
	urls := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		urls = append(urls, fmt.Sprintf("ws://%s:%d/ws", addr, port))
	}
	return urls
}
