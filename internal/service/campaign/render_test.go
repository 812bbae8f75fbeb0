package campaign_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/lumencrm/delivery-engine/internal/domain"
	"github.com/lumencrm/delivery-engine/internal/service/campaign"
	"github.com/lumencrm/delivery-engine/internal/token"
)

const (
	testTrackingURL = "https://track.example.com"
	testUnsubURL    = "https://www.example.com/unsubscribe"
)

func newTestRenderer(t *testing.T) (*campaign.Renderer, *token.Signer) {
	t.Helper()
	signer := token.NewSigner("render-secret")
	r, err := campaign.NewRenderer(signer, testTrackingURL, testUnsubURL, "Acme Weekly", "")
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r, signer
}

func TestRenderSubstitutions(t *testing.T) {
	r, _ := newTestRenderer(t)
	sub := domain.Subscriber{ID: 5, Email: "jo@example.com", FirstName: "Jo"}

	out, err := r.Render(1, "News from {site_name}", "<p>Hi {first_name}!</p>", sub)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "News from Acme Weekly" {
		t.Fatalf("subject substitution failed: %q", out.Subject)
	}
	if !strings.Contains(out.HTML, "Hi Jo!") {
		t.Fatal("first_name not substituted")
	}
	if !strings.Contains(out.HTML, out.UnsubscribeURL) {
		t.Fatal("layout footer must carry the unsubscribe link")
	}
}

func TestRenderFirstNameFallback(t *testing.T) {
	r, _ := newTestRenderer(t)
	sub := domain.Subscriber{ID: 5, Email: "jo@example.com", FirstName: "  "}

	out, err := r.Render(1, "Hi", "<p>Hi {first_name}!</p>", sub)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out.HTML, "Hi there!") {
		t.Fatal("expected neutral salutation fallback")
	}
}

func TestRenderRewritesLinks(t *testing.T) {
	r, signer := newTestRenderer(t)
	sub := domain.Subscriber{ID: 5, Email: "jo@example.com", FirstName: "Jo"}

	html := `<a href="https://example.com/offer">Offer</a>` +
		`<a href="mailto:help@example.com">Help</a>` +
		`<a href="#top">Top</a>` +
		`<a href="{unsubscribe_link}">Stop</a>`
	out, err := r.Render(42, "Hi", html, sub)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if strings.Contains(out.HTML, `href="https://example.com/offer"`) {
		t.Fatal("outbound link was not rewritten")
	}
	if !strings.Contains(out.HTML, "mailto:help@example.com") {
		t.Fatal("mailto link must be untouched")
	}
	if !strings.Contains(out.HTML, `href="#top"`) {
		t.Fatal("anchor link must be untouched")
	}
	if !strings.Contains(out.HTML, out.UnsubscribeURL) {
		t.Fatal("unsubscribe link must be untouched")
	}

	// The rewritten link carries a token that verifies for the original URL.
	start := strings.Index(out.HTML, testTrackingURL+"/t?")
	if start < 0 {
		t.Fatal("no tracking redirect found")
	}
	end := strings.IndexByte(out.HTML[start:], '"')
	u, err := url.Parse(strings.ReplaceAll(out.HTML[start:start+end], "&amp;", "&"))
	if err != nil {
		t.Fatalf("parse rewritten url: %v", err)
	}
	q := u.Query()
	if q.Get("track") != "click" {
		t.Fatalf("expected click redirect, got %q", q.Get("track"))
	}
	if q.Get("url") != "https://example.com/offer" {
		t.Fatalf("wrong destination: %q", q.Get("url"))
	}
	if !signer.VerifyClick(42, 5, q.Get("url"), q.Get("token")) {
		t.Fatal("click token does not verify")
	}
}

func TestRenderInjectsPixel(t *testing.T) {
	r, signer := newTestRenderer(t)
	sub := domain.Subscriber{ID: 5, Email: "jo@example.com", FirstName: "Jo"}

	out, err := r.Render(42, "Hi", "<p>hello</p>", sub)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if strings.Count(out.HTML, "track=open") != 1 {
		t.Fatalf("expected exactly one open pixel, got %d", strings.Count(out.HTML, "track=open"))
	}
	pixelIdx := strings.Index(out.HTML, "track=open")
	bodyIdx := strings.LastIndex(strings.ToLower(out.HTML), "</body>")
	if bodyIdx >= 0 && pixelIdx > bodyIdx {
		t.Fatal("pixel must sit inside the body")
	}

	expected := signer.OpenToken(42, 5, "jo@example.com")
	if !strings.Contains(out.HTML, "token="+expected) {
		t.Fatal("pixel token does not match the signer")
	}
}

func TestRenderDeterministic(t *testing.T) {
	r, _ := newTestRenderer(t)
	sub := domain.Subscriber{ID: 5, Email: "jo@example.com", FirstName: "Jo"}
	html := `<p>Hi {first_name}</p><a href="https://example.com/a">A</a>`

	a, err := r.Render(42, "Hi", html, sub)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := r.Render(42, "Hi", html, sub)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if a.HTML != b.HTML || a.Subject != b.Subject {
		t.Fatal("rendering must be deterministic for the same campaign and subscriber")
	}
}
