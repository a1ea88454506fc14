package integration

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/server"
)

func TestHostRoutingDistinguishesDomainsOnSinglePort(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
		},
		Sites: []config.SiteConfig{
			{
				Name:       "zdevstack",
				Domain:     "zdevstack.local",
				Origin:     "https://zdevstack.com",
				Generation: "zdevstack-v1",
			},
			{
				Name:       "docs",
				Domain:     "docs.local",
				Origin:     "https://docs.zdevstack.com",
				Generation: "docs-v1",
			},
		},
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app := newIntegrationApp(t, cfg.Global.ListenPort, logger, registry, &proxyRecorder{})
	recorder := app.recorder

	req := httptest.NewRequest("GET", "http://zdevstack.local/index.html", nil)
	req.Host = "zdevstack.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 from zdevstack, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.routeName != "zdevstack" {
		t.Fatalf("expected zdevstack route, got %s", recorder.routeName)
	}

	req2 := httptest.NewRequest("GET", "http://docs.local:5000/", nil)
	req2.Host = "docs.local:5000"
	resp2, err := app.Test(req2)
	if err != nil {
		t.Fatalf("app test failed: %v", err)
	}
	if resp2.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp2.Body)
		t.Fatalf("expected 204 from docs, got %d (body=%s)", resp2.StatusCode, string(body))
	}
	if recorder.routeName != "docs" {
		t.Fatalf("expected docs route, got %s", recorder.routeName)
	}

	req3 := httptest.NewRequest("GET", "http://unknown.local/", nil)
	req3.Host = "unknown.local"
	resp3, err := app.Test(req3)
	if err != nil {
		t.Fatalf("app test failed: %v", err)
	}
	if resp3.StatusCode != fiber.StatusNotFound {
		body, _ := io.ReadAll(resp3.Body)
		t.Fatalf("expected 404 for unmapped host, got %d (body=%s)", resp3.StatusCode, string(body))
	}
	if resp3.Header.Get("X-Asset-Hub-Host") != "unknown.local" {
		t.Fatalf("expected unmapped host header, got %q", resp3.Header.Get("X-Asset-Hub-Host"))
	}
}

type integrationApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newIntegrationApp(t *testing.T, port int, logger *logrus.Logger, registry *server.SiteRegistry, proxy server.ProxyHandler) *integrationApp {
	t.Helper()
	recorder, ok := proxy.(*proxyRecorder)
	if !ok {
		recorder = &proxyRecorder{}
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		ListenPort: port,
		Proxy:      recorder,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &integrationApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}
