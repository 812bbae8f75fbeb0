package token

import (
	"net/url"
	"strings"
	"testing"
)

func TestTokensAreDeterministic(t *testing.T) {
	s := NewSigner("test-secret")

	a := s.OpenToken(42, 7, "jane@example.com")
	b := s.OpenToken(42, 7, "jane@example.com")
	if a != b {
		t.Fatalf("open token not deterministic: %s != %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16-char token, got %d", len(a))
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewSigner("test-secret")

	tok := s.ClickToken(1, 2, "https://example.com/offer")
	if !s.VerifyClick(1, 2, "https://example.com/offer", tok) {
		t.Fatal("valid click token rejected")
	}
	// A click token authorizes exactly one redirect target, so a different
	// destination must not verify.
	if s.VerifyClick(1, 2, "https://evil.example.com/", tok) {
		t.Fatal("click token accepted for a different url")
	}
	if s.VerifyClick(1, 3, "https://example.com/offer", tok) {
		t.Fatal("click token accepted for a different subscriber")
	}
	if s.VerifyClick(1, 2, "https://example.com/offer", tok[:15]+"0") {
		t.Fatal("mutated token accepted")
	}
}

func TestDifferentKeysDiffer(t *testing.T) {
	a := NewSigner("key-a").UnsubscribeToken("jane@example.com", 7)
	b := NewSigner("key-b").UnsubscribeToken("jane@example.com", 7)
	if a == b {
		t.Fatal("tokens under different keys should differ")
	}
}

func TestLinkBuilderURLs(t *testing.T) {
	s := NewSigner("test-secret")
	lb := NewLinkBuilder(s, "https://track.example.com", "https://www.example.com/unsubscribe")

	pixel := lb.OpenPixelURL(42, 7, "jane@example.com")
	u, err := url.Parse(pixel)
	if err != nil {
		t.Fatalf("parse pixel url: %v", err)
	}
	q := u.Query()
	if q.Get("track") != "open" || q.Get("campaign") != "42" || q.Get("subscriber") != "7" {
		t.Fatalf("unexpected pixel query: %s", u.RawQuery)
	}
	if !s.VerifyOpen(42, 7, "jane@example.com", q.Get("token")) {
		t.Fatal("pixel token does not verify")
	}

	click := lb.ClickURL(42, 7, "https://example.com/a?x=1&y=2")
	u, err = url.Parse(click)
	if err != nil {
		t.Fatalf("parse click url: %v", err)
	}
	q = u.Query()
	if q.Get("url") != "https://example.com/a?x=1&y=2" {
		t.Fatalf("destination url mangled: %q", q.Get("url"))
	}
	if !s.VerifyClick(42, 7, q.Get("url"), q.Get("token")) {
		t.Fatal("click token does not verify")
	}

	unsub := lb.UnsubscribeURL("jane@example.com", 7)
	if !strings.HasPrefix(unsub, "https://www.example.com/unsubscribe?") {
		t.Fatalf("unexpected unsubscribe base: %s", unsub)
	}
	u, _ = url.Parse(unsub)
	q = u.Query()
	if q.Get("unsubscribe") != "1" || q.Get("email") != "jane@example.com" {
		t.Fatalf("unexpected unsubscribe query: %s", u.RawQuery)
	}
}
