package node

import (
	"net"
	"os"
	"strings"
)

// DefaultAdminPort is assumed for advertised addresses that carry none.
const DefaultAdminPort = "8081"

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// AdvertiseAddr turns a listen address into one peers can dial: a missing
// host becomes this machine's hostname.
func AdvertiseAddr(listen string) string {
	hp := NormalizeHostPort(listen, DefaultAdminPort)
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return hp
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil && h != "" {
			host = h
		}
	}
	return net.JoinHostPort(host, port)
}
