package provider

import "net"

// Address is one network address from a create response.
type Address struct {
	// Addr is the literal IP address.
	Addr string

	// Public marks provider-tagged public addresses.
	Public bool
}

// SelectAddress picks the address the control plane should use to reach an
// instance. Public beats private, and within an access class IPv4 beats
// IPv6: many execution environments have no outbound IPv6 route, so IPv6
// is only returned when no IPv4 address of any class exists.
func SelectAddress(addrs []Address) string {
	var publicV4, privateV4, publicV6, privateV6 string

	for _, a := range addrs {
		ip := net.ParseIP(a.Addr)
		if ip == nil {
			continue
		}
		v4 := ip.To4() != nil
		switch {
		case a.Public && v4 && publicV4 == "":
			publicV4 = a.Addr
		case !a.Public && v4 && privateV4 == "":
			privateV4 = a.Addr
		case a.Public && !v4 && publicV6 == "":
			publicV6 = a.Addr
		case !a.Public && !v4 && privateV6 == "":
			privateV6 = a.Addr
		}
	}

	for _, addr := range []string{publicV4, privateV4, publicV6, privateV6} {
		if addr != "" {
			return addr
		}
	}
	return ""
}
