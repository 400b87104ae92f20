// Package config loads the server's static configuration file: a JSON
// dictionary with the listen addresses, the IPv4 pool and routes, DNS
// settings, an opaque Proxies passthrough, and logging/discovery/rate-limit
// knobs. The path can be overridden by an environment variable, and a
// verify() pass rejects configs missing the required fields before the
// server starts.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"simpletunnel/netconfig"
	"simpletunnel/wire"
)

// EnvConfigPath overrides the default config file path.
const EnvConfigPath = "SIMPLETUNNEL_CONFIG"

const defaultConfigPath = "config/simpletunnel.json"

// ipv4Config mirrors netconfig.IPv4 but with a required Pool: a server
// cannot serve ip flows without a StartAddress/EndAddress range to lease
// from.
type ipv4Config struct {
	Address string       `json:"Address"`
	Netmask string       `json:"Netmask"`
	Pool    poolConfig   `json:"Pool"`
	Routes  []routeEntry `json:"Routes"`
}

type poolConfig struct {
	StartAddress string `json:"StartAddress"`
	EndAddress   string `json:"EndAddress"`
}

type routeEntry struct {
	Destination string `json:"Destination"`
	Gateway     string `json:"Gateway"`
	Mask        string `json:"Mask"`
}

type dnsConfig struct {
	Servers       []string `json:"Servers"`
	SearchDomains []string `json:"SearchDomains"`
}

type logConfig struct {
	Level string `json:"Level"`
	Path  string `json:"Path"`
}

type discoveryConfig struct {
	Enabled bool   `json:"Enabled"`
	Name    string `json:"Name"`
}

type rateLimitConfig struct {
	MaxFailedOpens int `json:"MaxFailedOpens"`
	WindowSeconds  int `json:"WindowSeconds"`
}

// raw mirrors the on-disk JSON dictionary.
type raw struct {
	Listen     string          `json:"Listen"`
	QUICListen string          `json:"QUICListen"`
	IPv4       ipv4Config      `json:"IPv4"`
	DNS        *dnsConfig      `json:"DNS"`
	Proxies    map[string]any  `json:"Proxies"`
	Log        logConfig       `json:"Log"`
	Discovery  discoveryConfig `json:"Discovery"`
	RateLimit  rateLimitConfig `json:"RateLimit"`
}

// Config is the validated, in-memory form of the server configuration.
type Config struct {
	Listen        string
	QUICListen    string
	Configuration netconfig.Configuration
	Log           logConfig
	Discovery     discoveryConfig
	RateLimit     rateLimitConfig
}

// Load reads and validates the configuration file at path. If path is
// empty, it falls back to the SIMPLETUNNEL_CONFIG env var, then to
// config/simpletunnel.json.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = defaultConfigPath
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var r raw
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := r.verify(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}

	if r.DNS == nil {
		servers, err := systemResolverServers()
		if err != nil {
			servers = nil
		}
		r.DNS = &dnsConfig{Servers: servers}
	}

	routes := make([]netconfig.Route, len(r.IPv4.Routes))
	for i, rt := range r.IPv4.Routes {
		routes[i] = netconfig.Route{Destination: rt.Destination, Gateway: rt.Gateway, Mask: rt.Mask}
	}

	proxies := make(map[string]wire.Value, len(r.Proxies))
	for k, v := range r.Proxies {
		proxies[k] = anyToValue(v)
	}

	cfg := &Config{
		Listen:     r.Listen,
		QUICListen: r.QUICListen,
		Configuration: netconfig.Configuration{
			IPv4: netconfig.IPv4{
				Address: r.IPv4.Address,
				Netmask: r.IPv4.Netmask,
				Pool: &netconfig.Pool{
					StartAddress: r.IPv4.Pool.StartAddress,
					EndAddress:   r.IPv4.Pool.EndAddress,
				},
				Routes: routes,
			},
			DNS: netconfig.DNS{
				Servers:       r.DNS.Servers,
				SearchDomains: r.DNS.SearchDomains,
			},
			Proxies: proxies,
		},
		Log:       r.Log,
		Discovery: r.Discovery,
		RateLimit: r.RateLimit,
	}
	if cfg.RateLimit.MaxFailedOpens == 0 {
		cfg.RateLimit.MaxFailedOpens = 50
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 30
	}
	return cfg, nil
}

func (r *raw) verify() error {
	if r.Listen == "" {
		return fmt.Errorf("empty Listen address")
	}
	if r.IPv4.Pool.StartAddress == "" || r.IPv4.Pool.EndAddress == "" {
		return fmt.Errorf("IPv4.Pool.StartAddress and EndAddress are required")
	}
	return nil
}

// anyToValue converts a JSON-decoded value (one of the types encoding/json's
// default unmarshal produces: nil, bool, float64, string, []any, map[string]any)
// into the opaque wire.Value tree that Proxies is forwarded to clients as,
// unchanged and uninterpreted.
func anyToValue(v any) wire.Value {
	switch t := v.(type) {
	case nil:
		return wire.StringValue("")
	case bool:
		if t {
			return wire.IntValue(1)
		}
		return wire.IntValue(0)
	case float64:
		return wire.IntValue(int64(t))
	case string:
		return wire.StringValue(t)
	case []any:
		l := make([]wire.Value, len(t))
		for i, e := range t {
			l[i] = anyToValue(e)
		}
		return wire.ListValue(l)
	case map[string]any:
		m := make(map[string]wire.Value, len(t))
		for k, e := range t {
			m[k] = anyToValue(e)
		}
		return wire.MapValue(m)
	default:
		return wire.StringValue(fmt.Sprintf("%v", t))
	}
}

// systemResolverServers does a best-effort read of /etc/resolv.conf so a
// config with no DNS key still delivers the host's current resolvers to
// clients. Platform-specific resolver APIs are deliberately not consulted;
// this is a portable stand-in.
func systemResolverServers() ([]string, error) {
	f, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var servers []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "nameserver") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 {
			servers = append(servers, fields[1])
		}
	}
	return servers, sc.Err()
}
