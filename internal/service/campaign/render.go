package campaign

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/osteele/liquid"

	"github.com/lumencrm/delivery-engine/internal/domain"
	"github.com/lumencrm/delivery-engine/internal/token"
)

// defaultLayout wraps campaign content into a full HTML document. The footer
// carries the plain unsubscribe link required alongside the List-Unsubscribe
// header.
const defaultLayout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{ subject }}</title>
</head>
<body style="margin:0;padding:0;background-color:#f4f4f4;">
<table role="presentation" width="100%" cellpadding="0" cellspacing="0">
<tr><td align="center" style="padding:20px 0;">
<table role="presentation" width="600" cellpadding="0" cellspacing="0" style="background-color:#ffffff;">
<tr><td style="padding:30px;font-family:Arial,sans-serif;font-size:15px;line-height:1.6;color:#333333;">
{{ content }}
</td></tr>
<tr><td style="padding:20px 30px;font-family:Arial,sans-serif;font-size:12px;color:#999999;border-top:1px solid #eeeeee;">
{{ site_name }} &middot; <a href="{{ unsubscribe_url }}" style="color:#999999;">Unsubscribe</a>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`

// linkRe matches absolute http(s) hrefs in rendered HTML.
var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// Renderer produces the final per-recipient HTML: placeholder substitution,
// click-link rewriting, layout wrapping, and open-pixel injection.
//
// Rendering is deterministic. The same campaign and subscriber always yield
// the same tokens and therefore the same URLs, so a message rendered twice
// (send retry, re-enqueue) tracks identically.
type Renderer struct {
	signer   *token.Signer
	links    *token.LinkBuilder
	siteName string
	layout   *liquid.Template

	trackingURL string
	unsubURL    string
}

// NewRenderer creates a renderer. An empty layoutSource selects the built-in
// layout.
func NewRenderer(signer *token.Signer, trackingURL, unsubURL, siteName, layoutSource string) (*Renderer, error) {
	if layoutSource == "" {
		layoutSource = defaultLayout
	}
	layout, err := liquid.NewEngine().ParseString(layoutSource)
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	return &Renderer{
		signer:      signer,
		links:       token.NewLinkBuilder(signer, trackingURL, unsubURL),
		siteName:    siteName,
		layout:      layout,
		trackingURL: trackingURL,
		unsubURL:    unsubURL,
	}, nil
}

// Links exposes the underlying link builder.
func (r *Renderer) Links() *token.LinkBuilder { return r.links }

// Rendered is the per-recipient output of Render.
type Rendered struct {
	Subject        string
	HTML           string
	UnsubscribeURL string
}

// Render produces the final subject and HTML document for one recipient.
func (r *Renderer) Render(campaignID int64, subject, html string, sub domain.Subscriber) (*Rendered, error) {
	firstName := strings.TrimSpace(sub.FirstName)
	if firstName == "" {
		firstName = "there"
	}
	unsubURL := r.links.UnsubscribeURL(sub.Email, sub.ID)

	sub1 := strings.NewReplacer(
		"{site_name}", r.siteName,
		"{first_name}", firstName,
		"{unsubscribe_link}", unsubURL,
	)
	subject = sub1.Replace(subject)
	html = sub1.Replace(html)

	html = r.rewriteLinks(campaignID, sub.ID, html)

	doc, err := r.layout.RenderString(map[string]interface{}{
		"subject":         subject,
		"content":         html,
		"site_name":       r.siteName,
		"unsubscribe_url": unsubURL,
	})
	if err != nil {
		return nil, fmt.Errorf("render layout: %w", err)
	}

	doc = r.injectPixel(doc, campaignID, sub.ID, sub.Email)

	return &Rendered{Subject: subject, HTML: doc, UnsubscribeURL: unsubURL}, nil
}

// rewriteLinks wraps every outbound href in a signed click-tracking redirect.
// Links that are already tracking or unsubscribe URLs are left alone; mailto:
// and fragment anchors never match the pattern.
func (r *Renderer) rewriteLinks(campaignID, subscriberID int64, html string) string {
	return linkRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		origURL := parts[1]
		if strings.HasPrefix(origURL, r.trackingURL) ||
			strings.HasPrefix(origURL, r.unsubURL) ||
			strings.Contains(origURL, "unsubscribe=1") {
			return match
		}
		return fmt.Sprintf(`href="%s"`, r.links.ClickURL(campaignID, subscriberID, origURL))
	})
}

// injectPixel appends the signed 1x1 open pixel just before </body>, or at
// the end when no body tag is present.
func (r *Renderer) injectPixel(html string, campaignID, subscriberID int64, email string) string {
	pixel := fmt.Sprintf(
		`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		r.links.OpenPixelURL(campaignID, subscriberID, email))
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}
