// Package netconfig models the tunnel-level network settings pushed from
// server to client: IPv4 address/netmask/pool/routes, DNS servers/search
// domains, and an opaque Proxies passthrough. It also
// provides the conversion to and from wire.Value so a Configuration can be
// embedded in a Message's "configuration" key.
package netconfig

import "simpletunnel/wire"

// Route is one static route entry pushed to the client.
type Route struct {
	Destination string
	Gateway     string
	Mask        string
}

// Pool describes the server's IPv4 address-pool range. It is present in the
// server's loaded Configuration but stripped before delivery to clients,
// which never see the pool range.
type Pool struct {
	StartAddress string
	EndAddress   string
}

// IPv4 is the IPv4 subtree of Configuration.
type IPv4 struct {
	Address string
	Netmask string
	Pool    *Pool
	Routes  []Route
}

// DNS is the DNS subtree of Configuration.
type DNS struct {
	Servers       []string
	SearchDomains []string
}

// Configuration is the full tunnel-level network settings dictionary.
type Configuration struct {
	IPv4    IPv4
	DNS     DNS
	Proxies map[string]wire.Value
}

// WithoutPool returns a copy of c with IPv4.Pool cleared, for delivery to
// clients via fetchConfiguration.
func (c Configuration) WithoutPool() Configuration {
	c.IPv4.Pool = nil
	return c
}

// WithAssignedAddress returns a copy of c with IPv4.Address set to addr, for
// delivery in an IP flow's openResult.
func (c Configuration) WithAssignedAddress(addr string) Configuration {
	c.IPv4.Address = addr
	return c
}

func routesToValue(routes []Route) wire.Value {
	l := make([]wire.Value, len(routes))
	for i, r := range routes {
		l[i] = wire.MapValue(map[string]wire.Value{
			"destination": wire.StringValue(r.Destination),
			"gateway":     wire.StringValue(r.Gateway),
			"mask":        wire.StringValue(r.Mask),
		})
	}
	return wire.ListValue(l)
}

func routesFromValue(v wire.Value) []Route {
	l, ok := v.List()
	if !ok {
		return nil
	}
	routes := make([]Route, 0, len(l))
	for _, e := range l {
		m, ok := e.Map()
		if !ok {
			continue
		}
		var r Route
		if s, ok := m["destination"].Str(); ok {
			r.Destination = s
		}
		if s, ok := m["gateway"].Str(); ok {
			r.Gateway = s
		}
		if s, ok := m["mask"].Str(); ok {
			r.Mask = s
		}
		routes = append(routes, r)
	}
	return routes
}

// ToValue serializes c into a wire.Value suitable for Message.SetConfiguration.
func (c Configuration) ToValue() wire.Value {
	ipv4 := map[string]wire.Value{
		"address": wire.StringValue(c.IPv4.Address),
		"netmask": wire.StringValue(c.IPv4.Netmask),
		"routes":  routesToValue(c.IPv4.Routes),
	}
	if c.IPv4.Pool != nil {
		ipv4["pool"] = wire.MapValue(map[string]wire.Value{
			"start": wire.StringValue(c.IPv4.Pool.StartAddress),
			"end":   wire.StringValue(c.IPv4.Pool.EndAddress),
		})
	}

	proxies := make(map[string]wire.Value, len(c.Proxies))
	for k, v := range c.Proxies {
		proxies[k] = v
	}

	return wire.MapValue(map[string]wire.Value{
		"ipv4": wire.MapValue(ipv4),
		"dns": wire.MapValue(map[string]wire.Value{
			"serversList":   stringsToValue(c.DNS.Servers),
			"searchDomains": stringsToValue(c.DNS.SearchDomains),
		}),
		"proxies": wire.MapValue(proxies),
	})
}

func stringsToValue(ss []string) wire.Value {
	l := make([]wire.Value, len(ss))
	for i, s := range ss {
		l[i] = wire.StringValue(s)
	}
	return wire.ListValue(l)
}

func stringsFromValue(v wire.Value) []string {
	l, ok := v.List()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, e := range l {
		if s, ok := e.Str(); ok {
			out = append(out, s)
		}
	}
	return out
}

// FromValue deserializes a Configuration previously produced by ToValue.
func FromValue(v wire.Value) (Configuration, bool) {
	top, ok := v.Map()
	if !ok {
		return Configuration{}, false
	}
	var c Configuration

	if ipv4v, ok := top["ipv4"]; ok {
		if ipv4, ok := ipv4v.Map(); ok {
			if s, ok := ipv4["address"].Str(); ok {
				c.IPv4.Address = s
			}
			if s, ok := ipv4["netmask"].Str(); ok {
				c.IPv4.Netmask = s
			}
			if routesv, ok := ipv4["routes"]; ok {
				c.IPv4.Routes = routesFromValue(routesv)
			}
			if poolv, ok := ipv4["pool"]; ok {
				if poolm, ok := poolv.Map(); ok {
					p := &Pool{}
					if s, ok := poolm["start"].Str(); ok {
						p.StartAddress = s
					}
					if s, ok := poolm["end"].Str(); ok {
						p.EndAddress = s
					}
					c.IPv4.Pool = p
				}
			}
		}
	}

	if dnsv, ok := top["dns"]; ok {
		if dns, ok := dnsv.Map(); ok {
			if sv, ok := dns["serversList"]; ok {
				c.DNS.Servers = stringsFromValue(sv)
			}
			if sv, ok := dns["searchDomains"]; ok {
				c.DNS.SearchDomains = stringsFromValue(sv)
			}
		}
	}

	if proxiesv, ok := top["proxies"]; ok {
		if proxies, ok := proxiesv.Map(); ok {
			c.Proxies = make(map[string]wire.Value, len(proxies))
			for k, pv := range proxies {
				c.Proxies[k] = pv
			}
		}
	}

	return c, true
}
