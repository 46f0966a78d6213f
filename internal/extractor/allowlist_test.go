package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainAllowlist(t *testing.T) {
	t.Run("plain entry admits host and subdomains", func(t *testing.T) {
		al := newDomainAllowlist([]string{"Example.org"})
		if al == nil {
			t.Fatalf("expected allowlist to be created")
		}
		cases := []struct {
			host  string
			allow bool
		}{
			{"example.org", true},
			{"www.example.org", true},
			{"badexample.org", false},
			{"example.org.evil.com", false},
		}
		for _, tc := range cases {
			if got := al.Allows(tc.host); got != tc.allow {
				t.Fatalf("host %q allowed=%v, want %v", tc.host, got, tc.allow)
			}
		}
	})

	t.Run("wildcard admits only subdomains", func(t *testing.T) {
		al := newDomainAllowlist([]string{"*.example.jp", ".other.jp"})
		if !al.Allows("shop.example.jp") || !al.Allows("a.other.jp") {
			t.Fatalf("expected subdomains to be allowed")
		}
		if al.Allows("example.jp") {
			t.Fatalf("did not expect bare domain to match wildcard entry")
		}
	})

	t.Run("empty allowlist admits nothing", func(t *testing.T) {
		al := newDomainAllowlist([]string{" ", ""})
		assert.False(t, al.Allows("anything.com"))
		assert.False(t, al.Allows("example.org"))

		var unset *domainAllowlist
		assert.False(t, unset.Allows("anything.com"))
	})
}
