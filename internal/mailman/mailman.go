// Package mailman drives the membership synchronization of the cluster
// mailing list through the Mailman 2.1 admin web interface.
//
// Mailman 2.1 has no REST API, so the client walks the admin pages the
// way a browser would: log in with the list admin password, then post
// the full membership to the mass sync form.
package mailman

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"

	"github.com/bihealth/hpc-access-cli/internal/config"
)

// requestTimeout bounds each single page load. The admin interface can
// take a while to render the membership page for large lists.
const requestTimeout = 60 * time.Second

// Client automates the Mailman admin interface over HTTP.
type Client struct {
	serverURL  *url.URL
	adminPW    config.Secret
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the configured Mailman list.
func NewClient(cfg config.MailmanConfig, logger *zap.Logger) (*Client, error) {
	serverURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mailman server URL: %w", err)
	}
	// The admin session lives in a cookie, so the client needs a jar.
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Client{
		serverURL: serverURL,
		adminPW:   cfg.AdminPassword,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
		},
		logger: logger.Named("mailman"),
	}, nil
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Sync replaces the mailing list membership with the given addresses.
// With dryRun set, the flow runs up to and including the form fill and
// stops right before the final submit.
func (c *Client) Sync(ctx context.Context, emails []string, dryRun bool) error {
	c.logger.Info("opening mailman admin page", zap.String("url", c.serverURL.String()))
	page, err := c.fetch(ctx, c.serverURL.String())
	if err != nil {
		return err
	}

	login, err := firstForm(page, c.serverURL)
	if err != nil {
		return fmt.Errorf("failed to locate login form: %w", err)
	}
	if err := login.set("adminpw", c.adminPW.Reveal()); err != nil {
		return fmt.Errorf("unusable login form: %w", err)
	}

	c.logger.Info("submitting login form")
	page, err = c.submit(ctx, login)
	if err != nil {
		return fmt.Errorf("failed to log into mailman: %w", err)
	}

	sync, err := firstForm(page, c.serverURL)
	if err != nil {
		return fmt.Errorf("failed to locate membership sync form: %w", err)
	}
	if err := sync.set("memberlist", strings.Join(emails, "\n")); err != nil {
		return fmt.Errorf("unusable membership sync form: %w", err)
	}
	// A changed action would mean the list of a different page ends up
	// overwritten, so refuse anything but the configured URL.
	if sync.action != c.serverURL.String() {
		return fmt.Errorf("unexpected form action %s", sync.action)
	}

	if dryRun {
		c.logger.Info("dry run, not submitting membership list",
			zap.Int("num_emails", len(emails)))
		return nil
	}

	c.logger.Info("submitting membership list", zap.Int("num_emails", len(emails)))
	if _, err := c.submit(ctx, sync); err != nil {
		return fmt.Errorf("failed to submit membership list: %w", err)
	}
	c.logger.Info("mailman membership updated")
	return nil
}

// fetch loads and parses a single page.
func (c *Client) fetch(ctx context.Context, target string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create page request: %w", err)
	}
	return c.do(req)
}

// submit sends the form with its current field values and parses the
// resulting page.
func (c *Client) submit(ctx context.Context, f *form) (*html.Node, error) {
	if f.method != http.MethodPost {
		target, err := url.Parse(f.action)
		if err != nil {
			return nil, fmt.Errorf("invalid form action %q: %w", f.action, err)
		}
		target.RawQuery = f.fields.Encode()
		return c.fetch(ctx, target.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.action,
		strings.NewReader(f.fields.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create form request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// do executes the request and parses the HTML response.
func (c *Client) do(req *http.Request) (*html.Node, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mailman request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("mailman returned status %d for %s", resp.StatusCode, req.URL)
	}
	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mailman page: %w", err)
	}
	return doc, nil
}

// form is one HTML form with its serialized default field values.
type form struct {
	action string
	method string
	fields url.Values
}

// set assigns a value to a control that the form actually carries. Like
// in a browser, only fields present in the page can be filled in.
func (f *form) set(name, value string) error {
	if _, ok := f.fields[name]; !ok {
		return fmt.Errorf("form has no control named %q", name)
	}
	f.fields.Set(name, value)
	return nil
}

// firstForm returns the first form of the page, the one the admin flow
// always interacts with.
func firstForm(doc *html.Node, base *url.URL) (*form, error) {
	forms := parseForms(doc, base)
	if len(forms) == 0 {
		return nil, fmt.Errorf("page contains no form")
	}
	return forms[0], nil
}

// parseForms extracts all forms from the page, resolving their action
// URLs against base.
func parseForms(doc *html.Node, base *url.URL) []*form {
	var forms []*form
	for _, node := range htmlquery.Find(doc, "//form") {
		forms = append(forms, parseForm(node, base))
	}
	return forms
}

// parseForm serializes a single form node. The default values follow
// what a browser would submit: text and hidden inputs as-is, checked
// boxes and radios only, selected options only, and none of the
// submit/button/file controls.
func parseForm(node *html.Node, base *url.URL) *form {
	f := &form{
		action: htmlquery.SelectAttr(node, "action"),
		method: strings.ToUpper(htmlquery.SelectAttr(node, "method")),
		fields: url.Values{},
	}
	if f.method == "" {
		f.method = http.MethodGet
	}
	if resolved, err := base.Parse(f.action); err == nil {
		f.action = resolved.String()
	}

	controls, err := htmlquery.QueryAll(node, ".//input | .//textarea | .//select")
	if err != nil {
		return f
	}
	for _, control := range controls {
		name := htmlquery.SelectAttr(control, "name")
		if name == "" {
			continue
		}
		switch strings.ToLower(control.Data) {
		case "input":
			switch strings.ToLower(htmlquery.SelectAttr(control, "type")) {
			case "checkbox", "radio":
				if hasAttr(control, "checked") {
					value := htmlquery.SelectAttr(control, "value")
					if value == "" {
						value = "on"
					}
					f.fields.Add(name, value)
				}
			case "submit", "button", "image", "reset", "file":
				// Not part of the serialization.
			default:
				f.fields.Add(name, htmlquery.SelectAttr(control, "value"))
			}
		case "textarea":
			f.fields.Add(name, htmlquery.InnerText(control))
		case "select":
			options, _ := htmlquery.QueryAll(control, ".//option[@selected]")
			for _, option := range options {
				value := htmlquery.SelectAttr(option, "value")
				if value == "" {
					value = strings.TrimSpace(htmlquery.InnerText(option))
				}
				f.fields.Add(name, value)
			}
		}
	}
	return f
}

// hasAttr reports whether the node carries the attribute at all, which
// matters for value-less boolean attributes like checked.
func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}
