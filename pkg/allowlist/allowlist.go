// Package allowlist matches host:port targets against configured patterns.
//
// A pattern is "host:port" where host is a glob (path.Match syntax, e.g.
// "broker-*", "*.kafka.svc") or a CIDR block, and port is a number, a range
// "9092-9094" or "*". A bare "*" matches everything.
package allowlist

import (
	"fmt"
	"net"
	"net/netip"
	"path"
	"strconv"
	"strings"
)

type rule struct {
	raw    string
	any    bool
	host   string
	prefix netip.Prefix
	isCIDR bool
	portLo int
	portHi int
}

// List is an ordered set of target patterns. The zero value matches nothing.
type List struct {
	rules []rule
}

// Compile parses patterns into a List.
func Compile(patterns []string) (*List, error) {
	l := &List{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r, err := parse(p)
		if err != nil {
			return nil, err
		}
		l.rules = append(l.rules, r)
	}
	return l, nil
}

// MustCompile is Compile for patterns known to be valid.
func MustCompile(patterns ...string) *List {
	l, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return l
}

func parse(p string) (rule, error) {
	if p == "*" {
		return rule{raw: p, any: true}, nil
	}
	i := strings.LastIndex(p, ":")
	if i <= 0 || i == len(p)-1 {
		return rule{}, fmt.Errorf("allowlist: pattern %q must be host:port", p)
	}
	host, port := strings.Trim(p[:i], "[]"), p[i+1:]
	r := rule{raw: p, host: strings.ToLower(host)}

	if strings.Contains(host, "/") {
		pfx, err := netip.ParsePrefix(host)
		if err != nil {
			return rule{}, fmt.Errorf("allowlist: pattern %q: %w", p, err)
		}
		r.prefix, r.isCIDR = pfx.Masked(), true
	} else if _, err := path.Match(r.host, ""); err != nil {
		return rule{}, fmt.Errorf("allowlist: pattern %q: %w", p, err)
	}

	switch {
	case port == "*":
		r.portLo, r.portHi = 0, 65535
	case strings.Contains(port, "-"):
		lo, hi, _ := strings.Cut(port, "-")
		a, err1 := strconv.Atoi(lo)
		b, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || a > b || a < 0 || b > 65535 {
			return rule{}, fmt.Errorf("allowlist: pattern %q: bad port range", p)
		}
		r.portLo, r.portHi = a, b
	default:
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return rule{}, fmt.Errorf("allowlist: pattern %q: bad port", p)
		}
		r.portLo, r.portHi = n, n
	}
	return r, nil
}

// Allowed reports whether host:port matches any rule.
func (l *List) Allowed(host string, port int) bool {
	if l == nil {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	addr, addrErr := netip.ParseAddr(host)
	for _, r := range l.rules {
		if r.any {
			return true
		}
		if port < r.portLo || port > r.portHi {
			continue
		}
		if r.isCIDR {
			if addrErr == nil && r.prefix.Contains(addr.Unmap()) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(r.host, host); ok {
			return true
		}
	}
	return false
}

// Match is Allowed in the shape of a routing predicate.
func (l *List) Match(host string, port int) bool { return l.Allowed(host, port) }

// AllowedAddr is Allowed for a "host:port" string.
func (l *List) AllowedAddr(target string) bool {
	host, p, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return false
	}
	return l.Allowed(host, port)
}

// Len returns the number of rules.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.rules)
}

func (l *List) String() string {
	if l == nil {
		return ""
	}
	raw := make([]string, len(l.rules))
	for i, r := range l.rules {
		raw[i] = r.raw
	}
	return strings.Join(raw, ",")
}
