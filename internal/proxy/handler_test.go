package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/worker"
)

type stubSite struct {
	lastRequest *http.Request
	resp        *http.Response
	outcome     worker.Outcome
	generation  string
	err         error
}

func (s *stubSite) HandleRequest(_ context.Context, req *http.Request) (*http.Response, worker.Outcome, string, error) {
	s.lastRequest = req
	return s.resp, s.outcome, s.generation, s.err
}

func stubResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func siteRoute(t *testing.T) *server.SiteRoute {
	t.Helper()
	origin, err := url.Parse("https://zdevstack.com")
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return &server.SiteRoute{
		Config: config.SiteConfig{
			Name:       "zdevstack",
			Domain:     "zdevstack.local",
			Origin:     "https://zdevstack.com",
			Generation: "zdevstack-v1",
		},
		OriginURL:   origin,
		UpstreamURL: origin,
	}
}

func TestHandlerWritesCachedResponse(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/css")
	header.Set("Connection", "keep-alive")
	header.Add("Link", "</a.css>; rel=preload")
	header.Add("Link", "</b.css>; rel=preload")
	site := &stubSite{
		resp:       stubResponse(http.StatusOK, "body{}", header),
		outcome:    worker.OutcomeHit,
		generation: "zdevstack-v1",
	}

	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/css/style.css?v=3")
	ctx.Request().Header.SetMethod(fiber.MethodGet)
	ctx.Request().Header.SetHost("zdevstack.local")
	ctx.Request().Header.Set("Accept", "text/css")
	server.BindRequest(ctx, "req-1")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	handler := NewHandler(site, logger)
	if err := handler.Handle(ctx, siteRoute(t)); err != nil {
		t.Fatalf("handle error: %v", err)
	}

	if site.lastRequest == nil {
		t.Fatalf("worker should receive the request")
	}
	if got := site.lastRequest.URL.String(); got != "https://zdevstack.com/css/style.css?v=3" {
		t.Fatalf("request should be rebuilt in origin space, got %s", got)
	}
	if site.lastRequest.Header.Get("Accept") != "text/css" {
		t.Fatalf("request headers should be forwarded")
	}

	resp := ctx.Response()
	if resp.StatusCode() != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode())
	}
	if string(resp.Body()) != "body{}" {
		t.Fatalf("unexpected body %s", resp.Body())
	}
	if got := string(resp.Header.Peek("X-Asset-Hub-Cache")); got != "hit" {
		t.Fatalf("expected cache header hit, got %s", got)
	}
	if got := string(resp.Header.Peek("X-Asset-Hub-Generation")); got != "zdevstack-v1" {
		t.Fatalf("expected generation header, got %s", got)
	}
	if got := string(resp.Header.Peek("X-Request-ID")); got != "req-1" {
		t.Fatalf("expected request id header, got %s", got)
	}
	if got := string(resp.Header.ContentType()); got != "text/css" {
		t.Fatalf("expected content type text/css, got %s", got)
	}
	links := 0
	resp.Header.VisitAll(func(key, _ []byte) {
		if strings.EqualFold(string(key), "Link") {
			links++
		}
	})
	if links != 2 {
		t.Fatalf("expected both Link headers, got %d", links)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(logBuf.Bytes()), &entry); err != nil {
		t.Fatalf("log should be a single JSON line: %v (%s)", err, logBuf.String())
	}
	if entry["outcome"] != "hit" || entry["cache_hit"] != true || entry["site"] != "zdevstack" {
		t.Fatalf("unexpected log fields: %v", entry)
	}
}

func TestHandlerReturnsBadGatewayOnNetworkFailure(t *testing.T) {
	site := &stubSite{outcome: worker.OutcomeMiss, generation: "zdevstack-v1", err: errors.New("dial tcp: refused")}

	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/offline.html")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	if err := NewHandler(site, logger).Handle(ctx, siteRoute(t)); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed body, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "proxy_failed") {
		t.Fatalf("expected proxy_failed log, got %s", logBuf.String())
	}
}

func TestHandlerForwardsRequestBodyForBypass(t *testing.T) {
	site := &stubSite{
		resp:    stubResponse(http.StatusCreated, "ok", nil),
		outcome: worker.OutcomeBypass,
	}

	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/api/contact")
	ctx.Request().Header.SetMethod(fiber.MethodPost)
	ctx.Request().SetBodyString(`{"name":"z"}`)

	if err := NewHandler(site, nil).Handle(ctx, siteRoute(t)); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if site.lastRequest.Method != http.MethodPost {
		t.Fatalf("method should be preserved, got %s", site.lastRequest.Method)
	}
	body, _ := io.ReadAll(site.lastRequest.Body)
	if string(body) != `{"name":"z"}` {
		t.Fatalf("body should be forwarded, got %s", body)
	}
	if ctx.Response().StatusCode() != http.StatusCreated {
		t.Fatalf("unexpected status %d", ctx.Response().StatusCode())
	}
	if got := string(ctx.Response().Header.Peek("X-Asset-Hub-Generation")); got != "" {
		t.Fatalf("generation header should be omitted when uncontrolled, got %s", got)
	}
}
