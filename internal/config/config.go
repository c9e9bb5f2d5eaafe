// Package config holds the declarative match ruleset (§3, §4.2 of the
// specification) that selects a client's boot file and boot server from its
// observed DHCP fields, plus the YAML/env/flag loading and hot-reload glue
// around it.
package config

import (
	"fmt"
	"reflect"

	"github.com/imdario/mergo"
	"inet.af/netaddr"
)

// Selector names recognized in a MatchRule's select map (spec.md §3).
const (
	SelectClientMacAddress            = "ClientMacAddress"
	SelectClassIdentifier             = "ClassIdentifier"
	SelectHardwareType                = "HardwareType"
	SelectClientSystemArchitecture    = "ClientSystemArchitecture"
	SelectRequestedIPAddress          = "RequestedIpAddress"
	SelectServerIdentifier            = "ServerIdentifier"
)

// MatchType is a MatchRule's match_type: whether all selectors must match,
// or any one of them is sufficient.
type MatchType string

// Recognized match types. All is the default.
const (
	MatchAll MatchType = "all"
	MatchAny MatchType = "any"
)

// BootConf is the part of a MatchRule or Config that is actually applied to
// the resolver's output.
type BootConf struct {
	BootFile        string     `yaml:"boot_file,omitempty" json:"boot_file,omitempty"`
	BootServerIPv4  netaddr.IP `yaml:"-" json:"-"`
	BootServerIPv4S string     `yaml:"boot_server_ipv4,omitempty" json:"boot_server_ipv4,omitempty"`
}

// HasBootServer reports whether BootServerIPv4 was resolved.
func (b BootConf) HasBootServer() bool {
	return !b.BootServerIPv4.IsZero()
}

// overlay merges non-empty fields of other onto b, returning the result.
// Fields present in other win (spec.md §4.2 step 4: "fields present in conf
// overlay effective"), via mergo.WithOverride the way the teacher's
// dhcp.Listener.ListenAndServe merges its defaults.
func (b BootConf) overlay(other BootConf) BootConf {
	out := b
	if err := mergo.Merge(&out, other, mergo.WithOverride, mergo.WithTransformers(out)); err != nil {
		// mergo only fails here on a type mismatch between out and other,
		// which can't happen since both are BootConf: fall back to the
		// identity merge rather than propagating an error overlay() was
		// never declared to return.
		return out
	}

	return out
}

// Transformer tells mergo how to decide whether BootConf's netaddr.IP field
// is "empty" (mergo's struct-field zero check doesn't know about netaddr.IP's
// own IsZero), the same pattern as the teacher's dhcp.Listener.Transformer.
func (BootConf) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf(netaddr.IP{}) {
		return nil
	}

	return func(dst, src reflect.Value) error {
		if !dst.CanSet() {
			return nil
		}
		srcIsZero := src.MethodByName("IsZero").Call(nil)[0].Bool()
		if !srcIsZero {
			dst.Set(src)
		}

		return nil
	}
}

// MatchRule is one entry of Config.Match (spec.md §3).
type MatchRule struct {
	Select    map[string]string `yaml:"select" json:"select"`
	Regex     bool              `yaml:"regex,omitempty" json:"regex,omitempty"`
	MatchType MatchType         `yaml:"match_type,omitempty" json:"match_type,omitempty"`
	Conf      BootConf          `yaml:"conf" json:"conf"`
}

func (r MatchRule) matchType() MatchType {
	if r.MatchType == "" {
		return MatchAll
	}

	return r.MatchType
}

// Config is the declarative configuration of spec.md §3.
type Config struct {
	Ifaces        []string    `yaml:"ifaces,omitempty" json:"ifaces,omitempty"`
	TFTPServerDir string      `yaml:"tftp_server_dir,omitempty" json:"tftp_server_dir,omitempty"`
	MaxSessions   int         `yaml:"max_sessions,omitempty" json:"max_sessions,omitempty"`
	LogLevel      string      `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	Default       BootConf    `yaml:"default" json:"default"`
	Match         []MatchRule `yaml:"match" json:"match"`

	// ByMACAddress is the legacy config shape (spec.md §9 Open Questions).
	// Load desugars it into equivalent Match entries; the resolver never
	// sees this field directly.
	ByMACAddress map[string]BootConf `yaml:"by_mac_address,omitempty" json:"by_mac_address,omitempty"`
}

const defaultMaxSessions = 500

// normalize resolves string IPs into netaddr.IP, fills in defaults, and
// desugars ByMACAddress into equivalent Match rules so the resolver only
// ever has to implement one shape.
func (c *Config) normalize() error {
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if err := resolveBootConfIP(&c.Default); err != nil {
		return fmt.Errorf("config: default: %w", err)
	}

	for i := range c.Match {
		if err := resolveBootConfIP(&c.Match[i].Conf); err != nil {
			return fmt.Errorf("config: match[%d]: %w", i, err)
		}
	}

	for mac, conf := range c.ByMACAddress {
		resolved := conf
		if err := resolveBootConfIP(&resolved); err != nil {
			return fmt.Errorf("config: by_mac_address[%s]: %w", mac, err)
		}
		c.Match = append(c.Match, MatchRule{
			Select:    map[string]string{SelectClientMacAddress: mac},
			Regex:     false,
			MatchType: MatchAll,
			Conf:      resolved,
		})
	}

	return nil
}

func resolveBootConfIP(b *BootConf) error {
	if b.BootServerIPv4S == "" {
		return nil
	}
	ip, err := netaddr.ParseIP(b.BootServerIPv4S)
	if err != nil {
		return fmt.Errorf("boot_server_ipv4 %q: %w", b.BootServerIPv4S, err)
	}
	b.BootServerIPv4 = ip

	return nil
}
