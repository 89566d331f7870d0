// Package fetch retrieves web pages and extracts their readable text.
// Fetch handles a single URL; Crawl walks same-domain links
// breadth-first within depth and page bounds.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/koopa0/ragpipe/internal/log"
)

// ErrFetch indicates the target URL could not be retrieved or yielded
// no readable content.
var ErrFetch = errors.New("fetch failed")

const userAgent = "ragpipe/1.0 (+https://github.com/koopa0/ragpipe)"

// Page is the extracted content of one URL.
type Page struct {
	URL      string
	Title    string
	Text     string
	Metadata map[string]string
}

// PageError records a single page failure during a crawl. A crawl
// keeps going past individual page failures.
type PageError struct {
	URL string
	Err error
}

// CrawlResult holds the pages a crawl extracted and the per-page
// failures it recorded along the way.
type CrawlResult struct {
	Pages    []Page
	Failures []PageError
}

// Options bound a crawl.
type Options struct {
	// MaxDepth is the number of link hops followed from the seed;
	// 0 fetches the seed only. Negative means the default.
	MaxDepth    int
	MaxPages    int // total pages to extract
	Concurrency int // parallel requests
	Timeout     time.Duration
}

const (
	defaultMaxDepth    = 2
	defaultMaxPages    = 25
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxDepth < 0 {
		o.MaxDepth = defaultMaxDepth
	}
	if o.MaxPages < 1 {
		o.MaxPages = defaultMaxPages
	}
	if o.Concurrency < 1 {
		o.Concurrency = defaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

// Fetcher retrieves and extracts web content.
type Fetcher struct {
	logger log.Logger
}

// New creates a Fetcher.
func New(logger log.Logger) *Fetcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Fetcher{logger: logger.With("component", "fetch")}
}

// Fetch retrieves a single URL and extracts its readable text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := colly.NewCollector(colly.UserAgent(userAgent))
	c.SetRequestTimeout(timeout)

	var page *Page
	var fetchErr error

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		p, err := extractPage(r)
		if err != nil {
			fetchErr = err
			return
		}
		page = p
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("%w: %s: %v", ErrFetch, r.Request.URL, err)
	})

	if err := c.Visit(target.String()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, target, err)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if page == nil {
		return nil, fmt.Errorf("%w: %s: no response", ErrFetch, target)
	}

	f.logger.Info("fetched page", "url", target.String(), "bytes", len(page.Text))
	return page, nil
}

// Crawl walks links from seedURL breadth-first, staying on the seed's
// domain. It stops at opts.MaxDepth link hops or opts.MaxPages
// extracted pages, whichever comes first. Individual page failures are
// recorded, not fatal; Crawl fails only when the seed itself cannot be
// fetched or the context is canceled.
func (f *Fetcher) Crawl(ctx context.Context, seedURL string, opts Options) (*CrawlResult, error) {
	seed, err := normalizeURL(seedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	opts = opts.withDefaults()

	// Colly counts the seed request as depth 1, so its limit is one
	// more than the hop count.
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.MaxDepth(opts.MaxDepth+1),
		colly.AllowedDomains(seed.Hostname()),
		colly.Async(true),
	)
	c.SetRequestTimeout(opts.Timeout)
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: opts.Concurrency}); err != nil {
		return nil, fmt.Errorf("%w: configuring limits: %v", ErrFetch, err)
	}

	var (
		mu      sync.Mutex
		result  CrawlResult
		visited = map[string]bool{seed.String(): true}
	)

	pageBudgetLeft := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(result.Pages) < opts.MaxPages
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || !pageBudgetLeft() {
			r.Abort()
		}
	})

	c.OnResponse(func(r *colly.Response) {
		page, err := extractPage(r)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failures = append(result.Failures, PageError{URL: r.Request.URL.String(), Err: err})
			return
		}
		if len(result.Pages) >= opts.MaxPages {
			return
		}
		result.Pages = append(result.Pages, *page)
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Failures = append(result.Failures, PageError{
			URL: r.Request.URL.String(),
			Err: fmt.Errorf("%w: %v", ErrFetch, err),
		})
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link, err := normalizeURL(e.Request.AbsoluteURL(e.Attr("href")))
		if err != nil {
			return
		}
		key := link.String()
		mu.Lock()
		seen := visited[key]
		if !seen {
			visited[key] = true
		}
		mu.Unlock()
		if seen {
			return
		}
		// Visit errors here are bound checks (depth, domain), not
		// page failures.
		_ = e.Request.Visit(key)
	})

	if err := c.Visit(seed.String()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, seed, err)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(result.Pages) == 0 {
		if len(result.Failures) > 0 {
			return nil, fmt.Errorf("%w: %s: %v", ErrFetch, seed, result.Failures[0].Err)
		}
		return nil, fmt.Errorf("%w: %s: no readable pages", ErrFetch, seed)
	}

	f.logger.Info("crawl finished",
		"seed", seed.String(),
		"pages", len(result.Pages),
		"failures", len(result.Failures))
	return &result, nil
}

// extractPage runs readability over a response body.
func extractPage(r *colly.Response) (*Page, error) {
	contentType := strings.ToLower(r.Headers.Get("Content-Type"))
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return nil, fmt.Errorf("%w: %s: unsupported content type %q", ErrFetch, r.Request.URL, contentType)
	}

	article, err := readability.FromReader(bytes.NewReader(r.Body), r.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: extracting content: %v", ErrFetch, r.Request.URL, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return nil, fmt.Errorf("%w: %s: no readable content", ErrFetch, r.Request.URL)
	}

	meta := map[string]string{
		"url":    r.Request.URL.String(),
		"source": "web",
	}
	if article.Title != "" {
		meta["title"] = article.Title
	}
	if article.Byline != "" {
		meta["byline"] = article.Byline
	}

	return &Page{
		URL:      r.Request.URL.String(),
		Title:    article.Title,
		Text:     text,
		Metadata: meta,
	}, nil
}

// normalizeURL validates an absolute http(s) URL and strips its
// fragment so the same page is not visited once per anchor.
func normalizeURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", rawURL)
	}
	u.Fragment = ""
	return u, nil
}
