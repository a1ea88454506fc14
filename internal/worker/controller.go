package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/logging"
)

// Fetcher 是缓存未命中时使用的网络端。实现需遵循 ctx 的取消。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc 允许使用普通函数实现 Fetcher。
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch 调用 f 本身。
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Outcome 描述一次 HandleRequest 的处理结果，会写入日志与 X-Asset-Hub-Cache 响应头。
type Outcome string

const (
	// OutcomeHit 表示直接由当前缓存代返回。
	OutcomeHit Outcome = "hit"
	// OutcomeStored 表示未命中，网络响应已写入当前缓存代。
	OutcomeStored Outcome = "stored"
	// OutcomeMiss 表示未命中且响应未被缓存（不可缓存或写入失败）。
	OutcomeMiss Outcome = "miss"
	// OutcomeBypass 表示同源但非 GET 请求，不查也不写缓存。
	OutcomeBypass Outcome = "bypass"
	// OutcomePassThrough 表示跨源请求，原样交给网络。
	OutcomePassThrough Outcome = "pass-through"
	// OutcomeUncontrolled 表示站点尚无 active 缓存代。
	OutcomeUncontrolled Outcome = "uncontrolled"
)

var (
	// ErrInstallFailed 包装安装阶段的任一失败，此时不会写入任何条目。
	ErrInstallFailed = errors.New("cache install failed")
	// ErrNoActiveGeneration 表示站点尚未激活任何缓存代。
	ErrNoActiveGeneration = errors.New("no active cache generation")
)

// StatusError 表示安装时清单条目返回了非 2xx 状态。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Status, e.URL)
}

// ActivationReport 汇总一次激活的清理结果。删除失败不会阻止激活。
type ActivationReport struct {
	Generation string
	// Kept 表示当前缓存代的分区存在并被保留。
	Kept    bool
	Evicted []string
	Failed  map[string]error
}

// Err 合并全部删除失败，无失败时返回 nil。
func (r ActivationReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	var combined error
	for _, name := range names {
		combined = multierr.Append(combined, fmt.Errorf("evict %s: %w", name, r.Failed[name]))
	}
	return combined
}

// ControllerOptions 描述单个站点的缓存控制器依赖。
type ControllerOptions struct {
	Site    string
	Origin  *url.URL
	Storage cache.Storage
	Fetcher Fetcher
	Logger  *logrus.Logger
	// Concurrency 限制安装阶段的并发抓取数，<=0 时按 1 处理。
	Concurrency int
}

// Controller 实现 Install / Activate / HandleRequest 三个入口。
// 它不持有生命周期状态，当前缓存代由调用方显式传入。
type Controller struct {
	site        string
	origin      *url.URL
	storage     cache.Storage
	fetcher     Fetcher
	logger      *logrus.Logger
	concurrency int
}

// NewController 校验依赖并构造控制器。
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("worker: origin required")
	}
	if opts.Storage == nil {
		return nil, errors.New("worker: storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	origin := *opts.Origin
	origin.Path = ""
	origin.RawPath = ""
	return &Controller{
		site:        opts.Site,
		origin:      &origin,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Origin 返回控制器所属的 origin。
func (c *Controller) Origin() *url.URL {
	clone := *c.origin
	return &clone
}

// Install 预取清单中的全部资源，全部成功后才打开（必要时创建）generation 分区并统一写入。
// 任一抓取失败都会取消其余抓取并返回 ErrInstallFailed，此时不会创建分区；
// 写入阶段失败时，本次新建的分区会被删除。
func (c *Controller) Install(ctx context.Context, generation string, manifest []string) error {
	if strings.TrimSpace(generation) == "" {
		return fmt.Errorf("%w: generation required", ErrInstallFailed)
	}
	targets, err := resolveManifest(c.origin, manifest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	entries := make([]*cache.Entry, len(targets))
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(c.concurrency)
	for i, target := range targets {
		p.Go(func(ctx context.Context) error {
			entry, err := c.fetchForInstall(ctx, target)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	existed, err := c.storage.Has(ctx, generation)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	partition, err := c.storage.Open(ctx, generation)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	for _, entry := range entries {
		if err := partition.Put(ctx, entry); err != nil {
			storeErr := fmt.Errorf("%w: store %s: %w", ErrInstallFailed, entry.Key, err)
			if !existed {
				if _, delErr := c.storage.Delete(context.WithoutCancel(ctx), generation); delErr != nil {
					storeErr = multierr.Append(storeErr, fmt.Errorf("discard partition %s: %w", generation, delErr))
				}
			}
			return storeErr
		}
	}
	return nil
}

func (c *Controller) fetchForInstall(ctx context.Context, target *url.URL) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{URL: target.String(), Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return cache.NewEntry(cache.RequestKey(req.URL), resp.StatusCode, resp.Header, body), nil
}

// Activate 删除除 generation 以外的全部分区。删除并发执行，全部结束后才返回；
// 单个分区删除失败只记录在报告里，未删除的分区会在下一次激活时再次尝试。
// 只有分区枚举失败才返回 error。
func (c *Controller) Activate(ctx context.Context, generation string) (ActivationReport, error) {
	report := ActivationReport{Generation: generation, Failed: map[string]error{}}
	names, err := c.storage.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("enumerate partitions: %w", err)
	}

	var (
		mu sync.Mutex
		wg conc.WaitGroup
	)
	for _, name := range names {
		if name == generation {
			report.Kept = true
			continue
		}
		wg.Go(func() {
			_, err := c.storage.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err
				return
			}
			report.Evicted = append(report.Evicted, name)
		})
	}
	wg.Wait()
	sort.Strings(report.Evicted)
	return report, nil
}

// HandleRequest 对单个请求执行缓存优先、网络兜底策略：
//   - 跨源请求原样交给网络；
//   - generation 为空时不受控，直接走网络；
//   - 同源非 GET 请求绕过缓存；
//   - 命中时不触发任何网络请求；
//   - 未命中时请求网络，状态 200 且同源的响应写入当前缓存代后返回。
//
// 返回的 error 仅来自网络失败，缓存读写失败只记日志。
func (c *Controller) HandleRequest(ctx context.Context, generation string, req *http.Request) (*http.Response, Outcome, error) {
	if !sameOrigin(req.URL, c.origin) {
		resp, err := c.fetcher.Fetch(ctx, req)
		return resp, OutcomePassThrough, err
	}
	if generation == "" {
		resp, err := c.fetcher.Fetch(ctx, req)
		return resp, OutcomeUncontrolled, err
	}
	if req.Method != http.MethodGet {
		resp, err := c.fetcher.Fetch(ctx, req)
		return resp, OutcomeBypass, err
	}

	key := cache.RequestKey(req.URL)
	partition, err := c.storage.Lookup(ctx, generation)
	if err != nil {
		entry := c.logger.WithFields(c.fields(generation)).WithError(err)
		if errors.Is(err, cache.ErrPartitionNotFound) {
			entry.Warn("缓存代分区已不存在，直接回源")
		} else {
			entry.Warn("缓存分区不可用，直接回源")
		}
		resp, err := c.fetcher.Fetch(ctx, req)
		return resp, OutcomeMiss, err
	}

	entry, err := partition.Match(ctx, key)
	switch {
	case err == nil:
		return entry.Response(req), OutcomeHit, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		c.logger.WithFields(c.fields(generation)).
			WithError(err).WithField("key", key).Warn("缓存读取失败，按未命中处理")
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, OutcomeMiss, err
	}
	if !c.cacheable(resp) {
		return resp, OutcomeMiss, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, OutcomeMiss, fmt.Errorf("read upstream body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	// 写入与请求生命周期解耦，客户端断开不影响缓存落盘。
	// 分区在回源期间被激活流程删除时 Put 返回 ErrPartitionNotFound，响应照常返回。
	stored := cache.NewEntry(key, resp.StatusCode, resp.Header, body)
	if err := partition.Put(context.WithoutCancel(ctx), stored); err != nil {
		c.logger.WithFields(c.fields(generation)).
			WithError(err).WithField("key", key).Warn("缓存写入失败")
		return resp, OutcomeMiss, nil
	}
	return resp, OutcomeStored, nil
}

// cacheable 仅接受状态 200、最终地址仍同源（basic）且未声明 Vary: * 的响应。
func (c *Controller) cacheable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.Request != nil && resp.Request.URL != nil && !sameOrigin(resp.Request.URL, c.origin) {
		return false
	}
	for _, value := range resp.Header.Values("Vary") {
		for _, token := range strings.Split(value, ",") {
			if strings.TrimSpace(token) == "*" {
				return false
			}
		}
	}
	return true
}

func (c *Controller) fields(generation string) logrus.Fields {
	return logging.LifecycleFields(c.site, generation, "fetch")
}
