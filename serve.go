package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/proxy"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/server/routes"
	"github.com/any-hub/asset-hub/internal/watcher"
	"github.com/any-hub/asset-hub/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// serve 装配站点并启动 Fiber，阻塞直到 ctx 取消或监听失败。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	sites, err := newSiteSet(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sites.Close()

	logger.WithFields(startupFields(cfg, configPath)).Info("配置加载完成")

	if failed := sites.StartAll(ctx); failed > 0 {
		logger.WithFields(logrus.Fields{"action": "startup", "failed_sites": failed}).
			Warn("部分站点缓存代安装失败，相关请求将直接回源")
	}

	app, err := newApp(cfg, sites, logger)
	if err != nil {
		return err
	}

	if cfg.Global.WatchConfig {
		cw, err := watcher.New(configPath, cfg, reloadSites(sites, logger), logger)
		if err != nil {
			return err
		}
		go func() {
			if err := cw.Run(ctx); err != nil {
				logger.WithFields(logging.BaseFields("config_watch", configPath)).
					WithError(err).Error("配置监听退出")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// newApp 为每个站点注册 Worker 驱动的代理 handler，并挂载诊断路由。
func newApp(cfg *config.Config, sites *siteSet, logger *logrus.Logger) (*fiber.App, error) {
	forwarder := proxy.NewForwarder(nil, logger)
	for _, route := range sites.registry.List() {
		w, _ := sites.Worker(route.Config.Name)
		forwarder.MustRegister(proxy.SiteRegistration{
			Site:    route.Config.Name,
			Handler: proxy.NewHandler(w, logger),
		})
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Registry:    sites.registry,
		Proxy:       forwarder,
		ListenPort:  cfg.Global.ListenPort,
		Diagnostics: func(router fiber.Router) { routes.RegisterSiteRoutes(router, sites.registry, sites) },
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// reloadSites 在配置变化后为 Generation 提升的站点安装并激活新缓存代。
// 只改 Assets 不会重新安装；新增、删除站点或路由变化需要重启进程。
func reloadSites(sites *siteSet, logger *logrus.Logger) watcher.ReloadFunc {
	return func(ctx context.Context, _ *config.Config, changes []watcher.SiteChange) {
		for _, change := range changes {
			fields := logrus.Fields{"action": "config_reload", "site": change.Site, "change": string(change.Kind)}
			switch change.Kind {
			case watcher.ChangeGeneration:
			case watcher.ChangeManifest:
				logger.WithFields(fields).Warn("Assets 已变化但 Generation 未提升，忽略本次变化")
				continue
			default:
				logger.WithFields(fields).Warn("站点配置变化需要重启后生效")
				continue
			}
			w, ok := sites.Worker(change.Site)
			if !ok {
				continue
			}
			opts := worker.Options{Generation: change.Config.Generation, Manifest: change.Config.Manifest()}
			if err := w.Update(ctx, opts); err != nil {
				logger.WithFields(fields).WithError(err).WithField("serving", w.Active()).
					Error("新缓存代安装失败，继续使用旧缓存代")
				continue
			}
			logger.WithFields(fields).WithField("generation", opts.Generation).Info("新缓存代已生效")
		}
	}
}
