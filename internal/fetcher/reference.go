package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"p2p-rate-watch/internal/market"
	"p2p-rate-watch/internal/version"
)

// maxPageBytes bounds how much of the reference page is parsed.
const maxPageBytes = 4 << 20

// ReferenceOptions parameterise the reference page scraper.
type ReferenceOptions struct {
	URL        string
	DollarID   string
	EuroID     string
	Timeout    time.Duration
	SkipVerify bool
}

// Reference scrapes the official rates from the central bank home page.
type Reference struct {
	opts   ReferenceOptions
	logger zerolog.Logger
	client *http.Client
}

// NewReference builds a reference page scraper.
func NewReference(opts ReferenceOptions, logger zerolog.Logger) *Reference {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if opts.DollarID == "" {
		opts.DollarID = "dolar"
	}
	if opts.EuroID == "" {
		opts.EuroID = "euro"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.SkipVerify {
		// the official site has served broken certificate chains before
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Reference{
		opts:   opts,
		logger: logger.With().Str("component", "reference_fetcher").Logger(),
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// FetchReference downloads the page and parses each rate independently. A
// value that cannot be parsed stays invalid; an error means nothing was parsed.
func (r *Reference) FetchReference(ctx context.Context) (market.Reference, error) {
	if r.opts.URL == "" {
		return market.Reference{}, errors.New("reference url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.URL, nil)
	if err != nil {
		return market.Reference{}, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "text/html")

	resp, err := r.client.Do(req)
	if err != nil {
		return market.Reference{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return market.Reference{}, fmt.Errorf("reference page status %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return market.Reference{}, fmt.Errorf("parse reference page: %w", err)
	}

	var ref market.Reference
	ref.USD = r.extract(doc, r.opts.DollarID)
	ref.EUR = r.extract(doc, r.opts.EuroID)
	if !ref.USD.Valid && !ref.EUR.Valid {
		return market.Reference{}, errors.New("no reference rates found on page")
	}
	return ref, nil
}

func (r *Reference) extract(doc *html.Node, id string) decimal.NullDecimal {
	container := findByID(doc, id)
	if container == nil {
		r.logger.Warn().Str("id", id).Msg("reference element not found")
		return decimal.NullDecimal{}
	}
	text := textOf(findFirst(container, "strong"))
	if text == "" {
		text = textOf(container)
	}
	value, err := ParseLocalizedNumber(text)
	if err != nil || !value.IsPositive() {
		r.logger.Warn().Str("id", id).Str("raw", text).Msg("reference value unparseable")
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(value)
}

// ParseLocalizedNumber parses figures written as "36,50120000" or "1.036,50".
func ParseLocalizedNumber(raw string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.', r == '-':
			return r
		default:
			return -1
		}
	}, cleaned)
	if strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}
	if cleaned == "" {
		return decimal.Decimal{}, errors.New("empty number")
	}
	return decimal.NewFromString(cleaned)
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, attr := range n.Attr {
			if attr.Key == "id" && attr.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

var _ ReferenceFetcher = (*Reference)(nil)
