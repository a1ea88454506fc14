package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/upstream"
	"github.com/any-hub/asset-hub/internal/worker"
)

// siteSet 持有全部站点的 Worker 以及它们共享的缓存后端与上游客户端。
type siteSet struct {
	backend  cache.Backend
	registry *server.SiteRegistry
	workers  map[string]*worker.Worker
	logger   *logrus.Logger
}

// newSiteSet 按照“配置 → SiteRegistry → 缓存后端 → 上游客户端 → Worker”的顺序装配站点。
func newSiteSet(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*siteSet, error) {
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建站点注册表失败: %w", err)
	}
	backend, err := cache.OpenBackend(ctx, cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存后端失败: %w", err)
	}
	registrations, err := worker.NewFileRegistrationStore(filepath.Join(cfg.Global.StoragePath, "registrations"))
	if err != nil {
		backend.Close()
		return nil, err
	}

	client := upstream.NewClient(cfg.Global)
	limiter := upstream.NewLimiter(cfg.Global.UpstreamRateLimit)

	set := &siteSet{
		backend:  backend,
		registry: registry,
		workers:  make(map[string]*worker.Worker, len(cfg.Sites)),
		logger:   logger,
	}
	for _, route := range registry.List() {
		name := route.Config.Name
		fetcher, err := upstream.NewFetcher(client, route.OriginURL, route.UpstreamURL, limiter)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("site %s: %w", name, err)
		}
		storage := backend.Storage(name)
		controller, err := worker.NewController(worker.ControllerOptions{
			Site:        name,
			Origin:      route.OriginURL,
			Storage:     storage,
			Fetcher:     fetcher,
			Logger:      logger,
			Concurrency: cfg.Global.InstallConcurrency,
		})
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("site %s: %w", name, err)
		}
		set.workers[name] = worker.NewWorker(controller, storage, registrations, worker.Options{
			Generation: route.Config.Generation,
			Manifest:   route.Config.Manifest(),
		}, logger)
	}
	return set, nil
}

// Worker 按站点名返回 Worker。
func (s *siteSet) Worker(name string) (*worker.Worker, bool) {
	w, ok := s.workers[name]
	return w, ok
}

// SiteStatus 实现 routes.StatusSource。
func (s *siteSet) SiteStatus(ctx context.Context, site string) (worker.Status, bool, error) {
	w, ok := s.workers[site]
	if !ok {
		return worker.Status{}, false, nil
	}
	status, err := w.Status(ctx)
	return status, true, err
}

// StartAll 并发启动全部 Worker。单个站点安装失败只记录日志，该站点保持未受控状态，
// 其余站点照常服务。返回失败的站点数。
func (s *siteSet) StartAll(ctx context.Context) int {
	p := pool.NewWithResults[bool]().WithContext(ctx)
	for _, route := range s.registry.List() {
		w := s.workers[route.Config.Name]
		p.Go(func(ctx context.Context) (bool, error) {
			if err := w.Start(ctx); err != nil {
				s.logger.WithFields(logging.LifecycleFields(w.Site(), w.Options().Generation, "start")).
					WithError(err).WithField("serving", w.Active()).Error("站点启动时安装缓存代失败")
				return false, nil
			}
			return true, nil
		})
	}
	results, _ := p.Wait()
	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}
	return failed
}

// Close 释放缓存后端。
func (s *siteSet) Close() error {
	return s.backend.Close()
}
