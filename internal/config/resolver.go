package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoBootFile is returned when no rule and no default resolved a boot
// file for a transaction (spec.md §4.2).
var ErrNoBootFile = errors.New("config: no boot_file resolved")

// ErrNoTftp is returned when boot_server_ipv4 is unresolved and there is no
// local TFTP server configured to fall back on (spec.md §4.2).
var ErrNoTftp = errors.New("config: no boot_server_ipv4 resolved and no local tftp configured")

// Request is the subset of an observed DHCP request's fields the resolver
// matches against (spec.md §4.2). A missing value is the zero string and is
// never considered a match for any selector.
type Request struct {
	ClientMacAddress         string
	ClassIdentifier          string
	HardwareType             string
	ClientSystemArchitecture string
	RequestedIpAddress       string
	ServerIdentifier         string
}

func (r Request) field(selector string) (string, bool) {
	var v string
	switch selector {
	case SelectClientMacAddress:
		v = r.ClientMacAddress
	case SelectClassIdentifier:
		v = r.ClassIdentifier
	case SelectHardwareType:
		v = r.HardwareType
	case SelectClientSystemArchitecture:
		v = r.ClientSystemArchitecture
	case SelectRequestedIPAddress:
		v = r.RequestedIpAddress
	case SelectServerIdentifier:
		v = r.ServerIdentifier
	default:
		return "", false
	}

	return v, v != ""
}

// compiledSelect is one selector of a compiled rule: a function of the
// observed value that returns whether it matches.
type compiledSelect struct {
	selector string
	match    func(observed string) bool
}

// compiledRule is a MatchRule with its regexes compiled once at load time
// (spec.md §9: "compile regexes once at config load").
type compiledRule struct {
	selects   []compiledSelect
	matchType MatchType
	conf      BootConf
}

// Resolver evaluates the compiled match ruleset over a default. It holds no
// mutable state after Compile and is safe to call concurrently from every
// DHCP listener goroutine (spec.md §4.2: "the resolver is pure").
type Resolver struct {
	def           BootConf
	rules         []compiledRule
	localTFTP     bool
	localTFTPAddr BootConf
}

// Compile compiles a Config into a Resolver. tftpConfigured should be true
// when a local TFTP server directory is configured: Resolve then succeeds
// without a resolved boot_server_ipv4 instead of returning ErrNoTftp
// (spec.md §4.2).
func Compile(c Config, tftpConfigured bool) (*Resolver, error) {
	r := &Resolver{
		def:       c.Default,
		localTFTP: tftpConfigured,
	}

	for i, rule := range c.Match {
		cr := compiledRule{matchType: rule.matchType(), conf: rule.Conf}
		for selector, expected := range rule.Select {
			selector, expected := selector, expected
			if rule.Regex {
				re, err := regexp.Compile(expected)
				if err != nil {
					return nil, fmt.Errorf("config: match[%d]: selector %q: %w", i, selector, err)
				}
				// Unanchored substring match, not a full-string match: this is what
				// scenario 2 actually needs and matches the original's is_match.
				cr.selects = append(cr.selects, compiledSelect{
					selector: selector,
					match:    func(observed string) bool { return re.MatchString(observed) },
				})
				continue
			}
			lowered := strings.ToLower(expected)
			cr.selects = append(cr.selects, compiledSelect{
				selector: selector,
				match:    func(observed string) bool { return strings.ToLower(observed) == lowered },
			})
		}
		r.rules = append(r.rules, cr)
	}

	return r, nil
}

// Resolve walks the compiled ruleset in order and returns the effective
// BootConf for req, applying the first matching rule's conf over the
// default (spec.md §4.2).
func (r *Resolver) Resolve(req Request) (BootConf, error) {
	effective := r.def

	for _, rule := range r.rules {
		if ruleMatches(rule, req) {
			effective = effective.overlay(rule.conf)
			break
		}
	}

	if effective.BootFile == "" {
		return effective, ErrNoBootFile
	}
	if !effective.HasBootServer() && !r.localTFTP {
		return effective, ErrNoTftp
	}

	return effective, nil
}

func ruleMatches(rule compiledRule, req Request) bool {
	if len(rule.selects) == 0 {
		return false
	}

	switch rule.matchType {
	case MatchAny:
		for _, sel := range rule.selects {
			observed, present := req.field(sel.selector)
			if present && sel.match(observed) {
				return true
			}
		}

		return false
	default: // MatchAll
		for _, sel := range rule.selects {
			observed, present := req.field(sel.selector)
			if !present || !sel.match(observed) {
				return false
			}
		}

		return true
	}
}
