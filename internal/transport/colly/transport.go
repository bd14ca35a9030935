// Package collytransport implements worker.Transport using gocolly.
package collytransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/swoophq/swoop-dispatch/internal/dispatcher"
	"github.com/swoophq/swoop-dispatch/internal/session"
	"github.com/swoophq/swoop-dispatch/internal/worker"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
}

// Transport executes request descriptors with a Colly collector. Every fetch
// clones the base collector so proxy, identity, and cookies never leak
// between sessions.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Transport.
func New(cfg Config) *Transport {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Transport{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET through the descriptor's proxy with the
// descriptor's browser identity applied.
func (t *Transport) Fetch(ctx context.Context, desc dispatcher.RequestDescriptor, rawURL string) (worker.FetchResult, error) {
	var (
		result   worker.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector, err := t.buildCollector(desc, rawURL, start, &result, &fetchErr)
	if err != nil {
		return worker.FetchResult{}, err
	}
	if err := t.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return worker.FetchResult{}, err
	}
	return result, nil
}

func (t *Transport) buildCollector(
	desc dispatcher.RequestDescriptor,
	rawURL string,
	start time.Time,
	result *worker.FetchResult,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := t.baseCollector.Clone()
	collector.WithTransport(newHTTPTransport())
	if desc.UserAgent != "" {
		collector.UserAgent = desc.UserAgent
	}
	timeout := t.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	if desc.Proxy != nil {
		if err := collector.SetProxy(desc.Proxy.URL()); err != nil {
			return nil, fmt.Errorf("set proxy %s: %w", desc.Proxy.ID(), err)
		}
	}
	if len(desc.Cookies) > 0 {
		if err := collector.SetCookies(rawURL, toHTTPCookies(desc.Cookies)); err != nil {
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, value := range desc.Headers {
			r.Headers.Set(key, value)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = worker.FetchResult{
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Cookies:    responseCookies(r),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
			result.Duration = time.Since(start)
		}
		*fetchErr = err
	})

	return collector, nil
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func toHTTPCookies(cookies []session.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.ExpiresAt != nil {
			hc.Expires = *c.ExpiresAt
		}
		out = append(out, hc)
	}
	return out
}

// responseCookies parses Set-Cookie headers from the response into the
// session store's cookie shape.
func responseCookies(r *colly.Response) []session.Cookie {
	if r.Headers == nil {
		return nil
	}
	parsed := (&http.Response{Header: *r.Headers}).Cookies()
	if len(parsed) == 0 {
		return nil
	}
	host := ""
	if r.Request != nil && r.Request.URL != nil {
		host = r.Request.URL.Hostname()
	}
	out := make([]session.Cookie, 0, len(parsed))
	for _, hc := range parsed {
		c := session.Cookie{
			Name:     hc.Name,
			Value:    hc.Value,
			Domain:   hc.Domain,
			Path:     hc.Path,
			Secure:   hc.Secure,
			HTTPOnly: hc.HttpOnly,
		}
		if c.Domain == "" {
			c.Domain = host
		}
		if c.Path == "" {
			c.Path = "/"
		}
		if !hc.Expires.IsZero() {
			expires := hc.Expires
			c.ExpiresAt = &expires
		} else if hc.MaxAge > 0 {
			expires := time.Now().Add(time.Duration(hc.MaxAge) * time.Second)
			c.ExpiresAt = &expires
		}
		out = append(out, c)
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: func(*http.Request) (*url.URL, error) { return nil, nil },
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
