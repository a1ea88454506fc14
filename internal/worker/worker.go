package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/logging"
)

// ErrGenerationActive 表示目标缓存代正在服务，不能原地重新安装。
var ErrGenerationActive = errors.New("cache generation is active")

// Options 描述站点当前配置的缓存代与预缓存清单。
type Options struct {
	Generation string
	Manifest   []string
}

// Worker 驱动单个站点的缓存生命周期：安装新缓存代、激活并清理旧代，
// 并用当前 active 缓存代响应请求。安装失败时旧缓存代继续服务。
type Worker struct {
	controller    *Controller
	storage       cache.Storage
	registrations RegistrationStore
	logger        *logrus.Logger
	site          string

	// updateMu 串行化 Start/Update，保证同一时刻只有一个安装在进行。
	updateMu sync.Mutex

	mu   sync.RWMutex
	opts Options
	reg  Registration
}

// NewWorker 基于控制器构建站点 Worker。registrations 为空时注册记录只保存在内存中。
func NewWorker(controller *Controller, storage cache.Storage, registrations RegistrationStore, opts Options, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Worker{
		controller:    controller,
		storage:       storage,
		registrations: registrations,
		logger:        logger,
		site:          controller.site,
		opts:          cloneOptions(opts),
		reg:           Registration{Site: controller.site, Generations: map[string]GenerationRecord{}},
	}
}

// Site 返回站点名。
func (w *Worker) Site() string { return w.site }

// Active 返回当前 active 缓存代，未激活时为空。
func (w *Worker) Active() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reg.Active
}

// Options 返回当前配置的缓存代与清单副本。
func (w *Worker) Options() Options {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneOptions(w.opts)
}

// Registration 返回注册记录快照。
func (w *Worker) Registration() Registration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reg.clone()
}

// Start 恢复持久化的注册记录。若记录中的 active 缓存代即为当前配置且分区仍在，
// 直接继续服务；否则执行一次 Update。
func (w *Worker) Start(ctx context.Context) error {
	w.updateMu.Lock()
	w.resume(ctx)
	active, opts := w.Active(), w.Options()
	if active != "" && active == opts.Generation {
		w.logger.WithFields(logging.LifecycleFields(w.site, active, "resume")).
			Info("恢复 active 缓存代")
		w.updateMu.Unlock()
		return nil
	}
	w.updateMu.Unlock()
	return w.Update(ctx, opts)
}

// Resume 仅载入持久化的注册记录，不触发安装，返回恢复出的 active 缓存代。
func (w *Worker) Resume(ctx context.Context) string {
	w.updateMu.Lock()
	defer w.updateMu.Unlock()
	w.resume(ctx)
	return w.Active()
}

func (w *Worker) resume(ctx context.Context) {
	reg := w.loadRegistration()
	if reg.Active != "" {
		exists, err := w.storage.Has(ctx, reg.Active)
		if err != nil || !exists {
			w.logger.WithFields(logging.LifecycleFields(w.site, reg.Active, "resume")).
				WithError(err).Warn("active 缓存代分区缺失，需要重新安装")
			reg.Active = ""
		}
	}
	w.mu.Lock()
	w.reg = reg
	w.mu.Unlock()
}

// Update 安装 opts 描述的缓存代，成功后激活并清理其余分区。
// 安装失败时该缓存代标记为 failed，原 active 缓存代保持不变。
// opts.Generation 已是 active 时不做任何事：清单变化必须伴随新的缓存代标签。
func (w *Worker) Update(ctx context.Context, opts Options) error {
	w.updateMu.Lock()
	defer w.updateMu.Unlock()

	if active := w.Active(); active != "" && active == opts.Generation {
		w.logger.WithFields(logging.LifecycleFields(w.site, active, "install")).
			Warn("缓存代未变化，忽略更新；修改清单需要提升 Generation")
		return nil
	}
	if err := w.install(ctx, opts); err != nil {
		return err
	}
	_, err := w.activate(ctx, opts.Generation)
	return err
}

// Install 仅安装 opts 描述的缓存代，不激活。正在服务的缓存代返回 ErrGenerationActive。
func (w *Worker) Install(ctx context.Context, opts Options) error {
	w.updateMu.Lock()
	defer w.updateMu.Unlock()
	if active := w.Active(); active != "" && active == opts.Generation {
		return fmt.Errorf("%w: %s", ErrGenerationActive, active)
	}
	return w.install(ctx, opts)
}

func (w *Worker) install(ctx context.Context, opts Options) error {
	opts = cloneOptions(opts)
	generation := opts.Generation
	w.mu.Lock()
	w.opts = opts
	w.reg.mark(generation, StateInstalling, nil)
	w.mu.Unlock()
	w.persist()

	logger := w.logger.WithFields(logging.LifecycleFields(w.site, generation, "install"))
	started := time.Now()
	if err := w.controller.Install(ctx, generation, opts.Manifest); err != nil {
		w.mu.Lock()
		w.reg.mark(generation, StateFailed, err)
		w.mu.Unlock()
		w.persist()
		logger.WithError(err).WithField("serving", w.Active()).Error("缓存代安装失败")
		return err
	}

	w.mu.Lock()
	w.reg.mark(generation, StateInstalled, nil)
	w.mu.Unlock()
	w.persist()
	logger.WithFields(logrus.Fields{
		"assets":     len(opts.Manifest),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("缓存代安装完成")
	return nil
}

// Activate 将已安装的 generation 设为 active 并清理其余分区。
// 只接受注册记录中处于 installed 或 active 的缓存代，且分区必须存在。
func (w *Worker) Activate(ctx context.Context, generation string) (ActivationReport, error) {
	w.updateMu.Lock()
	defer w.updateMu.Unlock()

	report := ActivationReport{Generation: generation}
	exists, err := w.storage.Has(ctx, generation)
	if err != nil {
		return report, err
	}
	if !exists {
		return report, fmt.Errorf("%w: partition %s not installed", ErrNoActiveGeneration, generation)
	}
	w.mu.RLock()
	state := w.reg.StateOf(generation)
	w.mu.RUnlock()
	if state != StateInstalled && state != StateActive {
		return report, fmt.Errorf("%w: generation %s is %q, not installed", ErrNoActiveGeneration, generation, state)
	}
	return w.activate(ctx, generation)
}

func (w *Worker) activate(ctx context.Context, generation string) (ActivationReport, error) {
	logger := w.logger.WithFields(logging.LifecycleFields(w.site, generation, "activate"))
	report, enumErr := w.controller.Activate(ctx, generation)

	w.mu.Lock()
	previous := w.reg.Active
	for _, name := range report.Evicted {
		w.reg.mark(name, StateEvicted, nil)
	}
	for name, cause := range report.Failed {
		w.reg.mark(name, StateStale, cause)
	}
	if previous != "" && previous != generation && w.reg.StateOf(previous) == StateActive {
		if enumErr != nil {
			w.reg.mark(previous, StateStale, enumErr)
		} else {
			// 分区已不存在，未出现在枚举结果中。
			w.reg.mark(previous, StateEvicted, nil)
		}
	}
	w.reg.Active = generation
	w.reg.ActivatedAt = time.Now().UTC()
	w.reg.mark(generation, StateActive, nil)
	w.mu.Unlock()
	w.persist()

	if enumErr != nil {
		logger.WithError(enumErr).Warn("枚举缓存分区失败，旧分区将在下次激活时清理")
	}
	if err := report.Err(); err != nil {
		logger.WithError(err).Warn("部分旧缓存代删除失败")
	}
	logger.WithFields(logrus.Fields{
		"previous": previous,
		"evicted":  report.Evicted,
	}).Info("缓存代已激活")
	return report, nil
}

// HandleRequest 使用当前 active 缓存代处理请求。
func (w *Worker) HandleRequest(ctx context.Context, req *http.Request) (*http.Response, Outcome, string, error) {
	generation := w.Active()
	resp, outcome, err := w.controller.HandleRequest(ctx, generation, req)
	return resp, outcome, generation, err
}

// Status 汇总站点状态，供诊断接口输出。
type Status struct {
	Site        string                      `json:"site"`
	Origin      string                      `json:"origin"`
	Configured  string                      `json:"configured_generation"`
	Active      string                      `json:"active_generation,omitempty"`
	ActivatedAt time.Time                   `json:"activated_at,omitzero"`
	Assets      int                         `json:"assets"`
	Generations map[string]GenerationRecord `json:"generations"`
	Partitions  []string                    `json:"partitions"`
}

// Status 返回当前状态；分区枚举失败时 Partitions 为空并返回错误。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	w.mu.RLock()
	status := Status{
		Site:        w.site,
		Origin:      w.controller.origin.String(),
		Configured:  w.opts.Generation,
		Active:      w.reg.Active,
		ActivatedAt: w.reg.ActivatedAt,
		Assets:      len(w.opts.Manifest),
		Generations: w.reg.clone().Generations,
	}
	w.mu.RUnlock()

	partitions, err := w.storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	status.Partitions = partitions
	if status.Partitions == nil {
		status.Partitions = []string{}
	}
	return status, nil
}

func (w *Worker) loadRegistration() Registration {
	fallback := Registration{Site: w.site, Generations: map[string]GenerationRecord{}}
	if w.registrations == nil {
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.reg.clone()
	}
	reg, err := w.registrations.Load(w.site)
	if err != nil {
		w.logger.WithFields(logging.LifecycleFields(w.site, "", "resume")).
			WithError(err).Warn("读取注册记录失败，按首次启动处理")
		return fallback
	}
	return reg
}

func (w *Worker) persist() {
	if w.registrations == nil {
		return
	}
	reg := w.Registration()
	if err := w.registrations.Save(reg); err != nil {
		w.logger.WithFields(logging.LifecycleFields(w.site, reg.Active, "persist")).
			WithError(err).Warn("注册记录写入失败")
	}
}

// IsInstallFailure 判断 err 是否来自安装阶段。
func IsInstallFailure(err error) bool {
	return errors.Is(err, ErrInstallFailed)
}

func cloneOptions(opts Options) Options {
	return Options{
		Generation: opts.Generation,
		Manifest:   append([]string(nil), opts.Manifest...),
	}
}
