package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/version"
	"github.com/any-hub/asset-hub/internal/worker"
)

// StatusSource 按站点名返回缓存状态，由 main 中的站点集合实现。
type StatusSource interface {
	SiteStatus(ctx context.Context, site string) (worker.Status, bool, error)
}

// RegisterSiteRoutes 在 router 上注册 healthz 与 sites 诊断接口，
// router 通常是 server.DiagnosticsPrefix 分组。
func RegisterSiteRoutes(router fiber.Router, registry *server.SiteRegistry, source StatusSource) {
	if router == nil || registry == nil || source == nil {
		return
	}

	router.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Version,
			"sites":   len(registry.List()),
		})
	})

	router.Get("/sites", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]sitePayload, 0, len(routes))
		for _, route := range routes {
			status, _, err := source.SiteStatus(c.Context(), route.Config.Name)
			payload = append(payload, encodeSite(route, status, err))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	router.Get("/sites/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "site_name_required"})
		}
		route, ok := registry.Route(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		status, _, err := source.SiteStatus(c.Context(), name)
		return c.JSON(encodeSite(*route, status, err))
	})
}

type sitePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	worker.Status
	Error string `json:"error,omitempty"`
}

func encodeSite(route server.SiteRoute, status worker.Status, err error) sitePayload {
	payload := sitePayload{
		Name:   route.Config.Name,
		Domain: route.Config.Domain,
		Status: status,
	}
	if route.UpstreamURL != nil {
		payload.Upstream = route.UpstreamURL.String()
	}
	if payload.Status.Site == "" {
		payload.Status.Site = route.Config.Name
		payload.Status.Configured = route.Config.Generation
		payload.Status.Origin = route.Config.Origin
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return payload
}
