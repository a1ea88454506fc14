package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/worker"
)

// runSiteCommand 执行 install/activate/generations 这类只针对站点缓存的离线操作，不启动 HTTP 服务。
func runSiteCommand(ctx context.Context, cfg *config.Config, opts cliOptions, logger *logrus.Logger) error {
	sites, err := newSiteSet(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sites.Close()

	if opts.command == commandGenerations {
		return printGenerations(ctx, cfg, sites, opts.site)
	}

	site, ok := cfg.Site(opts.site)
	if !ok {
		return fmt.Errorf("unknown site %q", opts.site)
	}
	w, _ := sites.Worker(site.Name)
	w.Resume(ctx)

	generation := site.Generation
	if opts.generation != "" {
		generation = opts.generation
	}

	switch opts.command {
	case commandInstall:
		if err := w.Install(ctx, worker.Options{Generation: generation, Manifest: site.Manifest()}); err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "%s: installed %s (%d assets)\n", site.Name, generation, len(site.Assets))
		return nil
	case commandActivate:
		report, err := w.Activate(ctx, generation)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "%s: active %s, evicted %v\n", site.Name, report.Generation, report.Evicted)
		if err := report.Err(); err != nil {
			fmt.Fprintf(stdErr, "%s: 部分旧缓存代删除失败: %v\n", site.Name, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported command %q", opts.command)
	}
}

// printGenerations 以 JSON 输出站点状态；name 为空时输出全部站点。
func printGenerations(ctx context.Context, cfg *config.Config, sites *siteSet, name string) error {
	var targets []string
	if name != "" {
		if _, ok := cfg.Site(name); !ok {
			return fmt.Errorf("unknown site %q", name)
		}
		targets = []string{name}
	} else {
		for _, site := range cfg.Sites {
			targets = append(targets, site.Name)
		}
	}

	statuses := make([]worker.Status, 0, len(targets))
	for _, target := range targets {
		w, _ := sites.Worker(target)
		w.Resume(ctx)
		status, err := w.Status(ctx)
		if err != nil {
			return fmt.Errorf("site %s: %w", target, err)
		}
		statuses = append(statuses, status)
	}

	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{"sites": statuses})
}
