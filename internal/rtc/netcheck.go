package rtc

import (
	"net"
	"strings"
)

// Interface name fragments of VPNs and virtual adapters: OpenVPN, tap
// devices, WireGuard, point-to-point links and Cloudflare WARP.
var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp"}

// Cloudflare WARP, Tailscale and carrier grade NATs hand out addresses in
// 100.64.0.0/10. Direct P2P from there often fails.
var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

type iface struct {
	name  string
	flags net.Flags
	addrs []net.Addr
}

// ShouldForceRelay checks if the system is likely behind a restrictive VPN
// or CGNAT, in which case TURN should be used.
func ShouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	list := make([]iface, 0, len(interfaces))
	for _, i := range interfaces {
		addrs, _ := i.Addrs()
		list = append(list, iface{name: i.Name, flags: i.Flags, addrs: addrs})
	}
	return behindTunnel(list)
}

func behindTunnel(interfaces []iface) bool {
	for _, i := range interfaces {
		if i.flags&net.FlagUp == 0 || i.flags&net.FlagLoopback != 0 {
			continue
		}

		name := strings.ToLower(i.name)
		for _, fragment := range tunnelNames {
			if strings.Contains(name, fragment) {
				return true
			}
		}

		for _, addr := range i.addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}
