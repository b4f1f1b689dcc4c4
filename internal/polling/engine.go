package polling

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/escrow"
	"OpenMCP-Swap/internal/observability/alerting"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultInterval            = 60 * time.Second
	defaultMaxExchangeAttempts = 5
)

// Executor 提交交换与取消指令。
type Executor interface {
	ExecuteExchange(ctx context.Context, accounts escrow.Accounts) (string, error)
	CancelEscrow(ctx context.Context, accounts escrow.Accounts) (string, error)
}

// CompletionFunc 在任务完成后被调用一次。返回错误不会影响任务的完成状态。
type CompletionFunc func(ctx context.Context, task Task) error

// Engine 是唯一的轮询注册表。所有轮询在同一个协程内串行执行，
// 外部修改通过 Changes 通道进入，只在轮询之间合并。
type Engine struct {
	store               *FileStore
	balances            web3.TokenReader
	executor            Executor
	onComplete          CompletionFunc
	alerter             alerting.Dispatcher
	metrics             *metrics.SwapMetrics
	changes             <-chan struct{}
	interval            time.Duration
	threshold           float64
	maxExchangeAttempts int
	now                 func() time.Time
	log                 *slog.Logger

	mu       sync.Mutex
	tasks    taskSet
	lastPoll time.Time
	started  bool

	kick   chan struct{}
	wake   chan struct{}
	armed  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Option 自定义 Engine。
type Option func(*Engine)

// WithInterval 设置轮询周期。
func WithInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.interval = interval
		}
	}
}

// WithThreshold 设置新任务默认的到账比例。
func WithThreshold(threshold float64) Option {
	return func(e *Engine) {
		if threshold > 0 && threshold <= 1 {
			e.threshold = threshold
		}
	}
}

// WithMaxExchangeAttempts 设置交换提交失败多少次后任务转为 failed。
func WithMaxExchangeAttempts(attempts int) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxExchangeAttempts = attempts
		}
	}
}

// WithCompletionHandler 注册完成回调。
func WithCompletionHandler(fn CompletionFunc) Option {
	return func(e *Engine) {
		e.onComplete = fn
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithMetrics 注入指标集合。
func WithMetrics(m *metrics.SwapMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithChanges 指定外部修改信号来源，通常是 Watcher.Changes()。
func WithChanges(changes <-chan struct{}) Option {
	return func(e *Engine) {
		e.changes = changes
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建轮询引擎。状态在 Start 时从 store 载入。
func NewEngine(store *FileStore, balances web3.TokenReader, executor Executor, opts ...Option) *Engine {
	e := &Engine{
		store:               store,
		balances:            balances,
		executor:            executor,
		interval:            defaultInterval,
		threshold:           DefaultThreshold,
		maxExchangeAttempts: defaultMaxExchangeAttempts,
		now:                 func() time.Time { return time.Now().UTC() },
		log:                 logger.Named("polling"),
		tasks:               make(taskSet),
		kick:                make(chan struct{}, 1),
		wake:                make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Start 载入持久化状态并启动轮询协程。
func (e *Engine) Start(ctx context.Context) error {
	if e.store == nil || e.balances == nil || e.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "轮询引擎未初始化")
	}
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "轮询引擎已启动")
	}
	state, loadErr := e.store.Load()
	e.tasks = make(taskSet)
	e.tasks.absorb(state)
	if state != nil {
		e.lastPoll = state.LastPollTime
	}
	e.started = true
	active := e.tasks.active()
	pendingNotify := false
	for _, task := range e.tasks {
		if task.Status == StatusCompleted && !task.Notified {
			pendingNotify = true
		}
	}
	e.mu.Unlock()

	if loadErr != nil {
		e.log.Error("轮询状态丢失", slog.String("error", loadErr.Error()))
		e.alert(ctx, "", 0, loadErr)
	}
	e.log.Info("轮询引擎已启动", slog.Int("active", active), slog.String("path", e.store.Path()))

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx)
	if pendingNotify {
		signal(e.kick)
	}
	return nil
}

// Stop 停止轮询协程并等待当前一轮结束。
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Polling 报告定时器当前是否在运行。
func (e *Engine) Polling() bool {
	return e.armed.Load()
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		e.armed.Store(false)
	}()

	for {
		active := e.activeCount()
		switch {
		case active > 0 && ticker == nil:
			ticker = time.NewTicker(e.interval)
			tick = ticker.C
			e.armed.Store(true)
			e.log.Debug("轮询定时器已启动", slog.Int("active", active))
		case active == 0 && ticker != nil:
			ticker.Stop()
			ticker, tick = nil, nil
			e.armed.Store(false)
			e.log.Debug("没有活跃任务，轮询定时器已停止")
		}

		select {
		case <-ctx.Done():
			return
		case <-tick:
			e.pass(ctx)
		case <-e.kick:
			e.pass(ctx)
		case <-e.changes:
			e.handleExternalChange(ctx)
		case <-e.wake:
		}
	}
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.active()
}

// Register 登记新的托管任务并持久化。同一托管只能登记一次。
func (e *Engine) Register(ctx context.Context, task Task) (*Task, error) {
	if task.Escrow == "" || task.Vault == "" || task.Mint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "轮询任务缺少托管、金库或代币地址")
	}
	if task.ExpectedAmount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预期到账数量必须为正")
	}
	now := e.now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Threshold <= 0 {
		task.Threshold = e.threshold
	}
	task.Status = StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "轮询引擎尚未启动")
	}
	e.absorbDiskLocked()
	key := task.Key()
	if _, exists := e.tasks.lookup(key); exists {
		e.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "托管已登记轮询任务", xerrors.WithMetadata("escrow", key))
	}
	e.tasks[key] = task.Clone()
	if err := e.saveLocked(); err != nil {
		delete(e.tasks, key)
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	signal(e.wake)
	e.metrics.ObserveTaskStatus(string(StatusPending))
	logger.Audit().Info("登记轮询任务",
		slog.String("task_id", task.ID),
		slog.String("escrow", task.Escrow),
		slog.String("vault", task.Vault),
		slog.Float64("expected", task.ExpectedAmount))
	return task.Clone(), nil
}

// RequestCancel 将任务标记为 request_cancel 并写入状态文件，效果与运维直接编辑文件相同。
func (e *Engine) RequestCancel(ctx context.Context, escrowKey string) (*Task, error) {
	e.mu.Lock()
	e.absorbDiskLocked()
	task, ok := e.tasks.lookup(escrowKey)
	if !ok {
		e.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeNotFound, "未找到轮询任务", xerrors.WithMetadata("escrow", escrowKey))
	}
	if task.Status == StatusRequestCancel {
		out := task.Clone()
		e.mu.Unlock()
		return out, nil
	}
	if task.Status.Final() {
		e.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "任务已结束，无法取消",
			xerrors.WithMetadata("escrow", escrowKey), xerrors.WithMetadata("status", string(task.Status)))
	}
	from := task.Status
	task.Status = StatusRequestCancel
	task.UpdatedAt = e.now()
	if err := e.saveLocked(); err != nil {
		task.Status = from
		e.mu.Unlock()
		return nil, err
	}
	out := task.Clone()
	e.mu.Unlock()

	e.recordTransition(out, from)
	signal(e.kick)
	return out, nil
}

// Snapshot 返回当前状态的拷贝。
func (e *Engine) Snapshot() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.state(e.lastPoll)
}

// Task 按托管地址查询任务。
func (e *Engine) Task(escrowKey string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks.lookup(escrowKey)
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Reconcile 合并磁盘上的外部修改，归档已结束任务并持久化。
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.absorbDiskLocked()
	return e.saveLocked()
}

func (e *Engine) handleExternalChange(ctx context.Context) {
	e.mu.Lock()
	if !e.store.Modified() {
		e.mu.Unlock()
		return
	}
	changes := e.absorbDiskLocked()
	if err := e.saveLocked(); err != nil {
		e.log.Error("合并外部修改后持久化失败", slog.String("error", err.Error()))
	}
	e.mu.Unlock()

	for _, change := range changes {
		if !change.Rejected && change.To == StatusRequestCancel {
			e.pass(ctx)
			return
		}
	}
}

// absorbDiskLocked 在磁盘被外部修改时把修改并入内存。主文件不可解析时保留内存状态，
// 下一次保存会用内存状态覆盖它。
func (e *Engine) absorbDiskLocked() []Change {
	if !e.store.Modified() {
		return nil
	}
	disk, err := e.store.Read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("状态文件被外部修改且无法解析，保留内存状态", slog.String("error", err.Error()))
		}
		return nil
	}
	now := e.now()
	changes := merge(e.tasks, disk, now)
	if disk.LastPollTime.After(e.lastPoll) {
		e.lastPoll = disk.LastPollTime
	}
	for _, change := range changes {
		if change.Rejected {
			e.log.Warn("拒绝外部状态修改",
				slog.String("escrow", change.Key),
				slog.String("status", string(change.From)),
				slog.String("requested", string(change.To)))
			continue
		}
		e.metrics.ObserveTaskStatus(string(change.To))
		logger.Audit().Info("合并外部状态修改",
			slog.String("escrow", change.Key),
			slog.String("from", string(change.From)),
			slog.String("status", string(change.To)))
	}
	return changes
}

func (e *Engine) saveLocked() error {
	return e.store.Save(e.tasks.state(e.lastPoll))
}

type outcome struct {
	before Status
	task   *Task
}

// pass 执行一轮轮询：合并外部修改，按顺序处理每个活跃任务，持久化，最后触发完成回调。
func (e *Engine) pass(ctx context.Context) {
	started := e.now()

	e.mu.Lock()
	e.absorbDiskLocked()
	work := make([]*Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		if task.Status.Active() {
			work = append(work, task.Clone())
		}
	}
	e.mu.Unlock()

	results := make([]outcome, 0, len(work))
	for _, task := range work {
		if ctx.Err() != nil {
			break
		}
		before := task.Status
		switch task.Status {
		case StatusRequestCancel:
			e.cancelTask(ctx, task)
		case StatusPending:
			e.checkTask(ctx, task)
		}
		results = append(results, outcome{before: before, task: task})
	}

	e.mu.Lock()
	e.absorbDiskLocked()
	for _, result := range results {
		e.applyLocked(result.before, result.task)
	}
	e.lastPoll = started
	var notify []*Task
	for _, task := range e.tasks {
		if task.Status == StatusCompleted && !task.Notified {
			notify = append(notify, task.Clone())
		}
	}
	if err := e.saveLocked(); err != nil {
		e.log.Error("持久化轮询状态失败", slog.String("error", err.Error()))
	}
	active := e.tasks.active()
	e.mu.Unlock()

	e.metrics.ObservePollPass(e.now().Sub(started), active)
	if len(notify) > 0 {
		e.notify(ctx, notify)
	}
}

// applyLocked 回写一次处理结果。处理期间任务状态若被并发修改，保留新状态，
// 只有已确定的链上结果（完成或取消）才覆盖它。
func (e *Engine) applyLocked(before Status, result *Task) {
	key := result.Key()
	current, ok := e.tasks[key]
	if !ok || current.Status == before {
		e.tasks[key] = result
		return
	}
	if result.Status.Final() {
		e.log.Warn("链上结果覆盖处理期间的状态修改",
			slog.String("escrow", key),
			slog.String("status", string(result.Status)),
			slog.String("requested", string(current.Status)))
		e.tasks[key] = result
		return
	}
	current.LastBalance = result.LastBalance
	current.LastChecked = result.LastChecked
	current.Error = result.Error
	current.ExchangeAttempts = result.ExchangeAttempts
	current.UpdatedAt = result.UpdatedAt
}

func (e *Engine) checkTask(ctx context.Context, task *Task) {
	now := e.now()
	task.LastChecked = &now
	task.UpdatedAt = now

	current, _, err := web3.BalanceUI(ctx, e.balances, task.Mint, task.Vault)
	if err != nil {
		task.Error = err.Error()
		e.log.Warn("读取金库余额失败，下一轮重试",
			slog.String("escrow", task.Escrow),
			slog.String("error", err.Error()))
		return
	}
	task.LastBalance = current
	threshold := task.Threshold
	if threshold <= 0 {
		threshold = e.threshold
	}
	if !ThresholdMet(current, task.ExpectedAmount, threshold) {
		task.Error = ""
		e.log.Debug("金库尚未达到阈值",
			slog.String("escrow", task.Escrow),
			slog.Float64("balance", current),
			slog.Float64("expected", task.ExpectedAmount))
		return
	}

	tx, err := e.executor.ExecuteExchange(ctx, task.Accounts)
	if err != nil {
		task.ExchangeAttempts++
		task.Error = err.Error()
		e.log.Warn("执行交换失败",
			slog.String("escrow", task.Escrow),
			slog.Int("attempts", task.ExchangeAttempts),
			slog.String("error", err.Error()))
		if task.ExchangeAttempts >= e.maxExchangeAttempts {
			task.Status = StatusFailed
			e.recordTransition(task, StatusPending)
			e.alert(ctx, task.Escrow, task.ExchangeAttempts,
				xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "交换重试次数已用尽"))
		}
		return
	}
	task.Status = StatusCompleted
	task.ExchangeTx = tx
	task.CompletedAt = &now
	task.Error = ""
	e.recordTransition(task, StatusPending)
}

func (e *Engine) cancelTask(ctx context.Context, task *Task) {
	tx, err := e.executor.CancelEscrow(ctx, task.Accounts)
	task.UpdatedAt = e.now()
	if err != nil {
		task.Status = StatusFailed
		task.Error = err.Error()
		e.recordTransition(task, StatusRequestCancel)
		e.alert(ctx, task.Escrow, 0, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "取消托管失败"))
		return
	}
	task.Status = StatusCancelled
	task.CancelTx = tx
	task.Error = ""
	e.recordTransition(task, StatusRequestCancel)
}

// notify 触发完成回调并记录已通知，回调失败同样记为已通知。
func (e *Engine) notify(ctx context.Context, tasks []*Task) {
	for _, task := range tasks {
		if e.onComplete == nil {
			continue
		}
		if err := e.onComplete(ctx, *task); err != nil {
			e.log.Warn("完成回调失败",
				slog.String("escrow", task.Escrow),
				slog.String("error", err.Error()))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, task := range tasks {
		if current, ok := e.tasks[task.Key()]; ok {
			current.Notified = true
		}
	}
	if err := e.saveLocked(); err != nil {
		e.log.Error("持久化通知状态失败", slog.String("error", err.Error()))
	}
}

func (e *Engine) recordTransition(task *Task, from Status) {
	e.metrics.ObserveTaskStatus(string(task.Status))
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("escrow", task.Escrow),
		slog.String("from", string(from)),
		slog.String("status", string(task.Status)),
	}
	if task.ExchangeTx != "" {
		attrs = append(attrs, slog.String("tx", task.ExchangeTx))
	}
	if task.CancelTx != "" {
		attrs = append(attrs, slog.String("tx", task.CancelTx))
	}
	if task.Error != "" {
		attrs = append(attrs, slog.String("error", task.Error))
	}
	logger.Audit().Info("轮询任务状态变更", attrs...)
}

func (e *Engine) alert(ctx context.Context, escrowKey string, attempts int, err error) {
	if e.alerter == nil || err == nil {
		return
	}
	event := alerting.FromError(escrowKey, err, nil)
	event.Attempts = attempts
	if notifyErr := e.alerter.Notify(ctx, event); notifyErr != nil {
		e.log.Warn("发送告警失败", slog.String("error", notifyErr.Error()))
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
