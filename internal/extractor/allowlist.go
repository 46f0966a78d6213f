package extractor

import (
	"slices"
	"strings"
)

// domainAllowlist admits hosts matching configured domains. A plain entry
// matches the host itself and any subdomain; "*.x" and ".x" match only
// subdomains of x.
type domainAllowlist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainAllowlist(patterns []string) *domainAllowlist {
	list := &domainAllowlist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			list.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			list.addSuffix(strings.TrimPrefix(value, "."))
		default:
			list.exact[value] = struct{}{}
			list.addSuffix(value)
		}
	}
	return list
}

func (l *domainAllowlist) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(l.suffixes, suffix) {
		return
	}
	l.suffixes = append(l.suffixes, suffix)
}

// Allows reports whether host may be crawled. An empty list allows nothing.
func (l *domainAllowlist) Allows(host string) bool {
	if l == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
