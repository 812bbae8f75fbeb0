package tracking

import (
	"strings"
	"testing"
)

func TestAnonymizeIP(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"203.0.113.77", "203.0.113.0"},
		{"203.0.113.77:54321", "203.0.113.0"},
		{"2001:db8:1234:5678:9abc:def0:1234:5678", "2001:db8:1234:5678::"},
		{"[2001:db8::1]:443", "2001:db8::"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := AnonymizeIP(c.in); got != c.want {
			t.Errorf("AnonymizeIP(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTruncateUserAgent(t *testing.T) {
	short := "Mozilla/5.0"
	if got := TruncateUserAgent(short); got != short {
		t.Errorf("short UA changed: %q", got)
	}
	long := strings.Repeat("x", 1000)
	if got := TruncateUserAgent(long); len(got) != maxUserAgentLen {
		t.Errorf("expected %d chars, got %d", maxUserAgentLen, len(got))
	}
}
