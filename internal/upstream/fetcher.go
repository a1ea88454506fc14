package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// NewLimiter 按每秒请求数构建共享限流器，rps <= 0 表示不限流。
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Fetcher 是站点的网络端：同源请求被映射到 Upstream 地址，跨源请求原样发出。
type Fetcher struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
	limiter  *rate.Limiter
}

// NewFetcher 构造 Fetcher。upstream 为空时直接请求 origin。limiter 可为 nil。
func NewFetcher(client *http.Client, origin, upstream *url.URL, limiter *rate.Limiter) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("upstream: http client required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("upstream: origin required")
	}
	if upstream == nil {
		upstream = origin
	}
	return &Fetcher{
		client:   client,
		origin:   origin,
		upstream: upstream,
		limiter:  limiter,
	}, nil
}

// Fetch 发送请求并返回上游响应。若最终地址仍落在 Upstream 上，
// resp.Request 会改写回 origin 空间的原始请求，调用方据此判断响应同源。
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream rate limit: %w", err)
		}
	}

	target := *req.URL
	mapped := sameHost(&target, f.origin)
	if mapped {
		target.Scheme = f.upstream.Scheme
		target.Host = f.upstream.Host
	}

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	out.ContentLength = req.ContentLength
	if mapped {
		out.Host = f.upstream.Host
		out.Header.Set("X-Forwarded-Host", f.origin.Host)
		out.Header.Set("X-Forwarded-Proto", f.origin.Scheme)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	if mapped && resp.Request != nil && sameHost(resp.Request.URL, f.upstream) {
		resp.Request = req
	}
	return resp, nil
}

func sameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		port(a) == port(b)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}
