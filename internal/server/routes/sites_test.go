package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/worker"
)

type staticSource map[string]worker.Status

func (s staticSource) SiteStatus(_ context.Context, site string) (worker.Status, bool, error) {
	status, ok := s[site]
	if !ok {
		return worker.Status{}, false, errors.New("site not started")
	}
	return status, true, nil
}

func newDiagnosticsApp(t *testing.T) *fiber.App {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites: []config.SiteConfig{
			{Name: "zdevstack", Domain: "zdevstack.local", Origin: "https://zdevstack.com", Generation: "zdevstack-v1"},
			{Name: "docs", Domain: "docs.local", Origin: "https://docs.zdevstack.com", Generation: "docs-v3"},
		},
	}
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	source := staticSource{
		"zdevstack": {
			Site:       "zdevstack",
			Configured: "zdevstack-v1",
			Active:     "zdevstack-v1",
			Partitions: []string{"zdevstack-v1"},
		},
	}
	app := fiber.New()
	RegisterSiteRoutes(app.Group(server.DiagnosticsPrefix), registry, source)
	return app
}

func TestHealthz(t *testing.T) {
	app := newDiagnosticsApp(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/-/healthz", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]any
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" || payload["sites"] != float64(2) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSitesListIncludesStatusAndErrors(t *testing.T) {
	app := newDiagnosticsApp(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/-/sites", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var payload struct {
		Sites []sitePayload `json:"sites"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if len(payload.Sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(payload.Sites))
	}
	first := payload.Sites[0]
	if first.Name != "zdevstack" || first.Active != "zdevstack-v1" || first.Upstream != "https://zdevstack.com" {
		t.Fatalf("unexpected first site %+v", first)
	}
	second := payload.Sites[1]
	if second.Name != "docs" || second.Error == "" || second.Configured != "docs-v3" {
		t.Fatalf("unexpected second site %+v", second)
	}
}

func TestSiteDetail(t *testing.T) {
	app := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/sites/zdevstack", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload sitePayload
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Partitions) != 1 || payload.Partitions[0] != "zdevstack-v1" {
		t.Fatalf("unexpected partitions %v", payload.Partitions)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/sites/missing", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
