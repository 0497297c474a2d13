// Package introspect fetches a web page and extracts a compact structural
// fingerprint used as context for test case generation.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/config"
)

// Field caps applied while parsing.
const (
	MaxForms         = 10
	MaxLinks         = 50
	MaxHeadings      = 30
	MaxInputsPerForm = 25
	MaxButtons       = 20
)

// Page types.
const (
	PageLogin        = "login"
	PageRegistration = "registration"
	PageEcommerce    = "ecommerce"
	PageDashboard    = "dashboard"
	PageForm         = "form"
	PageGeneral      = "general"
)

// Features.
const (
	FeatureAuthentication = "user_authentication"
	FeatureShoppingCart   = "shopping_cart"
	FeatureSearch         = "search"
	FeatureNavigation     = "navigation"
	FeatureFormSubmission = "form_submission"
)

// Input is a form control.
type Input struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Form is a form with its controls.
type Form struct {
	Action string  `json:"action"`
	Method string  `json:"method"`
	Inputs []Input `json:"inputs"`
}

// Fingerprint is the structural extract of a page.
type Fingerprint struct {
	URL            string   `json:"url"`
	Title          string   `json:"title"`
	Forms          []Form   `json:"forms"`
	Links          []string `json:"links"`
	Headings       []string `json:"headings"`
	Buttons        []string `json:"buttons"`
	HasLoginForm   bool     `json:"has_login_form"`
	HasSearch      bool     `json:"has_search"`
	PageType       string   `json:"page_type"`
	Features       []string `json:"features"`
	Degraded       bool     `json:"degraded"`
	DegradedReason string   `json:"degraded_reason,omitempty"`
}

// HasFeature reports whether name is among the detected features.
func (f *Fingerprint) HasFeature(name string) bool {
	for _, feat := range f.Features {
		if feat == name {
			return true
		}
	}

	return false
}

func newFingerprint(rawURL string) *Fingerprint {
	return &Fingerprint{
		URL:      rawURL,
		Forms:    []Form{},
		Links:    []string{},
		Headings: []string{},
		Buttons:  []string{},
		Features: []string{},
		PageType: PageGeneral,
	}
}

// degraded returns the minimal fingerprint used when the page could not be
// fetched or parsed.
func degraded(rawURL, reason string) *Fingerprint {
	fp := newFingerprint(rawURL)
	fp.Degraded = true
	fp.DegradedReason = reason

	return fp
}

// ValidationError reports an unusable URL.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &ValidationError{Field: "url", Message: err.Error()}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}

	if u.Host == "" {
		return nil, &ValidationError{Field: "url", Message: "host is required"}
	}

	return u, nil
}

// NormalizeURL produces the cache key for a page URL.
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""

	if n.Path == "" {
		n.Path = "/"
	}

	return n.String()
}

// Options configures an Introspector.
type Options struct {
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	UserAgent    string
}

// OptionsFromConfig maps generator settings to introspection options.
func OptionsFromConfig(cfg *config.GeneratorConfig) Options {
	return Options{
		Timeout:      cfg.FetchTimeout(),
		MaxRedirects: cfg.MaxRedirects,
		MaxBodyBytes: cfg.MaxBodyBytes,
		UserAgent:    cfg.UserAgent,
	}
}

// Introspector fetches and fingerprints pages.
type Introspector struct {
	log    logrus.FieldLogger
	opts   Options
	client *http.Client
	cache  Cache
}

// New creates an Introspector. A nil cache disables caching.
func New(log logrus.FieldLogger, opts Options, cache Cache) *Introspector {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(config.DefaultFetchTimeoutMS) * time.Millisecond
	}

	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = config.DefaultMaxBodyBytes
	}

	if cache == nil {
		cache = NoopCache{}
	}

	return &Introspector{
		log:    log.WithField("component", "introspect"),
		opts:   opts,
		client: newFetcher(opts.MaxRedirects),
		cache:  cache,
	}
}

// newFetcher builds the HTTP client used for page fetches.
func newFetcher(maxRedirects int) *http.Client {
	return &http.Client{
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}

			return nil
		},
	}
}

// Inspect returns the fingerprint of rawURL. Only an invalid URL is an
// error: fetch failures yield a degraded fingerprint instead.
func (i *Introspector) Inspect(ctx context.Context, rawURL string) (*Fingerprint, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	key := NormalizeURL(u)
	log := i.log.WithField("url", key)

	if fp, ok := i.cache.Get(ctx, key); ok {
		log.Debug("Fingerprint cache hit")

		return fp, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	started := time.Now()

	fp, err := i.fetch(fetchCtx, u)
	if err != nil {
		reason := i.describe(fetchCtx, err)
		log.WithField("reason", reason).Warn("Page introspection degraded")

		return degraded(u.String(), reason), nil
	}

	log.WithFields(logrus.Fields{
		"forms":     len(fp.Forms),
		"links":     len(fp.Links),
		"page_type": fp.PageType,
		"elapsed":   time.Since(started).Round(time.Millisecond),
	}).Info("Page introspected")

	i.cache.Set(ctx, key, fp)

	return fp, nil
}

var errNotHTML = errors.New("non-HTML content")

func (i *Introspector) fetch(ctx context.Context, u *url.URL) (*Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if i.opts.UserAgent != "" {
		req.Header.Set("User-Agent", i.opts.UserAgent)
	}

	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if !isHTML(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("%w: %q", errNotHTML, resp.Header.Get("Content-Type"))
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	limited := io.LimitReader(resp.Body, i.opts.MaxBodyBytes)

	fp, err := Parse(limited, final)
	if err != nil {
		return nil, fmt.Errorf("reading page (limit %s): %w",
			units.HumanSize(float64(i.opts.MaxBodyBytes)), err)
	}

	return fp, nil
}

func (i *Introspector) describe(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("fetch timed out after %s", i.opts.Timeout)
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}

	return err.Error()
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
