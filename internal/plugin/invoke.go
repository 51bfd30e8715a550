package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
	"github.com/tokenwatch/tokenwatch/internal/broker"
	"github.com/tokenwatch/tokenwatch/internal/capability"
	"github.com/tokenwatch/tokenwatch/internal/eventbus"
	"github.com/tokenwatch/tokenwatch/internal/health"
	"github.com/tokenwatch/tokenwatch/internal/manifest"
	"github.com/tokenwatch/tokenwatch/internal/pluginlog"
	"github.com/tokenwatch/tokenwatch/internal/reliability"
	"github.com/tokenwatch/tokenwatch/internal/sandbox"
)

// Runner is the glue layer the broker, capability, eventbus, pluginlog, and
// reliability packages were deliberately decoupled so something else could
// assemble them: it builds one sandbox.Engine per plugin, installs the
// fetch/storage/cache/log/emit/call/setTimeout globals a manifest's
// permissions allow, and drives on_load/fetch_data/on_event/call invocations
// through it (§4.2, §4.6).
type Runner struct {
	manager     *Manager
	fetch       *capability.FetchClient
	storage     *capability.Storage
	cache       *reliability.Cache
	timers      *capability.TimerRegistry
	bus         *eventbus.Bus
	logs        *pluginlog.Buffer
	broker      *broker.Broker
	scheduler   *reliability.Scheduler
	rateLimiter *reliability.RateLimiter
	health      *health.Registry
	retry       reliability.RetryConfig

	mu      sync.Mutex
	engines map[string]*sandbox.Engine

	chainMu sync.Mutex
	chains  map[string]*broker.Chain
}

// RunnerOption configures optional Runner collaborators, following the
// loader/scheduler packages' functional-options idiom for the pieces a bare
// Runner (as constructed in a unit test) can reasonably do without.
type RunnerOption func(*Runner)

// WithScheduler routes FetchData/Dispatch invocations through s instead of
// running them inline, giving them the bounded queue, per-plugin FIFO, and
// retry re-admission §4.4 describes.
func WithScheduler(s *reliability.Scheduler) RunnerOption {
	return func(r *Runner) { r.scheduler = s }
}

// WithRateLimiter gates every fetch/event invocation on rl.Acquire before the
// plugin runs, per §4.5.2.
func WithRateLimiter(rl *reliability.RateLimiter) RunnerOption {
	return func(r *Runner) { r.rateLimiter = rl }
}

// WithHealthRegistry records every invocation's success/failure/latency into
// reg, driving the success_rate/avg_latency_ms/plugin_health_changed
// surface (§4.8).
func WithHealthRegistry(reg *health.Registry) RunnerOption {
	return func(r *Runner) { r.health = reg }
}

// WithRetryConfig overrides the jittered-backoff policy applied to
// scheduler-routed tasks; only meaningful alongside WithScheduler.
func WithRetryConfig(cfg reliability.RetryConfig) RunnerOption {
	return func(r *Runner) { r.retry = cfg }
}

// NewRunner wires a Runner around the shared, process-wide capability
// singletons a caller constructs once at startup (cmd/tokenwatchd/serve.go).
func NewRunner(manager *Manager, fetch *capability.FetchClient, storage *capability.Storage, cache *reliability.Cache, timers *capability.TimerRegistry, bus *eventbus.Bus, logs *pluginlog.Buffer, opts ...RunnerOption) *Runner {
	r := &Runner{
		manager: manager,
		fetch:   fetch,
		storage: storage,
		cache:   cache,
		timers:  timers,
		bus:     bus,
		logs:    logs,
		engines: make(map[string]*sandbox.Engine),
		chains:  make(map[string]*broker.Chain),
		retry:   reliability.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.broker = broker.New(r.lookupTarget, r.hasCallPermission, r.invokeTarget)
	return r
}

const fetchDataCacheKey = "fetch_data"

// FetchData returns a data/hybrid plugin's most recent result, running its
// fetch_data export and populating reliability.Cache only if force is set or
// nothing cached survives its TTL/TTI window — the read path
// (GetPluginData) and the explicit refresh path (RefreshPlugin) share this
// one method, differing only in force, per §4.4's refresh control flow. The
// actual invocation (rate-limit acquire, sandbox run, health recording) is
// routed through the scheduler when one is configured (§2, §4.4, §4.5.2).
func (r *Runner) FetchData(ctx context.Context, pluginID string, force bool) (any, error) {
	if !force {
		if raw, ok := r.cache.Get(pluginID, fetchDataCacheKey); ok {
			var cached any
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	return r.runViaScheduler(ctx, pluginID, reliability.TaskRefresh, func(taskCtx context.Context) (any, error) {
		return r.doFetchData(taskCtx, pluginID)
	})
}

// doFetchData performs the rate-limited, health-tracked sandbox invocation
// of fetch_data itself — the unit of work a scheduler worker (or, with no
// scheduler configured, FetchData directly) runs.
func (r *Runner) doFetchData(ctx context.Context, pluginID string) (any, error) {
	if r.rateLimiter != nil {
		if err := r.rateLimiter.Acquire(ctx, pluginID); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	_, engine, err := r.ensureEngine(pluginID)
	if err != nil {
		r.recordHealth(pluginID, false, time.Since(start))
		return nil, err
	}
	fn, ok := goja.AssertFunction(engine.Runtime().Get("fetch_data"))
	if !ok {
		err := apierrors.Newf(apierrors.CodeSandboxLimit, "plugin %q does not export fetch_data", pluginID)
		r.recordHealth(pluginID, false, time.Since(start))
		return nil, err
	}
	v, err := engine.Invoke(ctx, fn)
	if err != nil {
		translated := translateSandboxErr(err)
		r.recordHealth(pluginID, false, time.Since(start))
		return nil, translated
	}
	r.recordHealth(pluginID, true, time.Since(start))

	result := v.Export()
	if encoded, err := json.Marshal(result); err == nil {
		r.cache.Set(pluginID, fetchDataCacheKey, encoded, 0, 0)
		_ = r.manager.SetLastData(pluginID, encoded)
	}
	return result, nil
}

// Dispatch runs an event plugin's on_event export with eventName and data,
// per §4.4's event-routing control flow, routed through the scheduler the
// same way FetchData is.
func (r *Runner) Dispatch(ctx context.Context, pluginID, eventName string, data any) error {
	_, err := r.runViaScheduler(ctx, pluginID, reliability.TaskEvent, func(taskCtx context.Context) (any, error) {
		return nil, r.doDispatch(taskCtx, pluginID, eventName, data)
	})
	return err
}

func (r *Runner) doDispatch(ctx context.Context, pluginID, eventName string, data any) error {
	if r.rateLimiter != nil {
		if err := r.rateLimiter.Acquire(ctx, pluginID); err != nil {
			return err
		}
	}

	start := time.Now()
	_, engine, err := r.ensureEngine(pluginID)
	if err != nil {
		r.recordHealth(pluginID, false, time.Since(start))
		return err
	}
	fn, ok := goja.AssertFunction(engine.Runtime().Get("on_event"))
	if !ok {
		err := apierrors.Newf(apierrors.CodeSandboxLimit, "plugin %q does not export on_event", pluginID)
		r.recordHealth(pluginID, false, time.Since(start))
		return err
	}
	_, err = engine.Invoke(ctx, fn, engine.Runtime().ToValue(eventName), engine.Runtime().ToValue(data))
	if err != nil {
		translated := translateSandboxErr(err)
		r.recordHealth(pluginID, false, time.Since(start))
		return translated
	}
	r.recordHealth(pluginID, true, time.Since(start))
	return nil
}

// recordHealth reports one invocation's outcome to the health registry and
// publishes plugin_health_changed when the derived status actually moves
// (§4.8), a no-op when no registry is configured.
func (r *Runner) recordHealth(pluginID string, success bool, latency time.Duration) {
	if r.health == nil {
		return
	}
	snap, changed := r.health.Get(pluginID).Record(success, latency, time.Now())
	if changed {
		r.bus.Publish(eventbus.Event{Topic: "system:plugin_health_changed", PluginID: pluginID, Data: snap})
	}
}

// runViaScheduler submits fn as a scheduler task of kind and blocks for its
// terminal result, honoring ctx cancellation; with no scheduler configured
// (e.g. a bare Runner wired up in a unit test) fn just runs inline. A
// retryable failure is re-admitted through the scheduler's retry policy
// (§4.4) and only surfaces to the caller once retries are exhausted or the
// task finally succeeds — never on an intermediate attempt.
func (r *Runner) runViaScheduler(ctx context.Context, pluginID string, kind reliability.TaskKind, fn func(ctx context.Context) (any, error)) (any, error) {
	if r.scheduler == nil {
		return fn(ctx)
	}

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	retryCfg := r.retry

	var lastVal any
	task := &reliability.Task{
		PluginID: pluginID,
		Kind:     kind,
		Deadline: taskDeadline(ctx),
		Retry:    &retryCfg,
		Run: func(taskCtx context.Context) (reliability.Outcome, error) {
			val, err := fn(taskCtx)
			lastVal = val
			return classifyOutcome(err), err
		},
		Done: func(_ reliability.Outcome, err error) {
			done <- result{val: lastVal, err: err}
		},
	}

	if err := r.scheduler.Submit(task); err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// taskDeadline derives the scheduler task deadline from ctx's own deadline,
// falling back to the sandbox's default wall-clock budget when ctx carries
// none.
func taskDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(sandbox.DefaultLimits().WallClock)
}

// classifyOutcome maps an invocation error onto the scheduler's retry
// taxonomy. Its return value is only consulted by the scheduler when err is
// non-nil — a nil error always means the task completed successfully
// regardless of the outcome value returned alongside it.
func classifyOutcome(err error) reliability.Outcome {
	if err == nil {
		return reliability.OutcomeFatal
	}
	var pe *apierrors.PluginError
	if errors.As(err, &pe) && apierrors.Registry.Retryable(pe.Type) {
		return reliability.OutcomeRetryable
	}
	return reliability.OutcomeFatal
}

// InvalidateEngine discards pluginID's cached engine, used on disable,
// reload, and uninstall so no JS state leaks across a plugin's versions.
func (r *Runner) InvalidateEngine(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, pluginID)
	r.timers.TeardownPlugin(pluginID)
}

// Load runs the discovered->loaded transition's side effect (§4.3): it
// builds pluginID's sandbox, evaluates its entry source, invokes its
// optional on_load export if one is defined, and marks the record loaded.
// Unlike FetchData/Dispatch, Load runs before a plugin is enabled, so it
// builds the engine directly rather than through ensureEngine's
// enabled-only gate.
func (r *Runner) Load(ctx context.Context, pluginID string) error {
	rec, ok := r.manager.Get(pluginID)
	if !ok {
		return apierrors.Newf(apierrors.CodeUnknown, "unknown plugin %q", pluginID)
	}

	r.mu.Lock()
	engine, cached := r.engines[pluginID]
	if !cached {
		var err error
		engine, err = r.buildEngine(rec)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.engines[pluginID] = engine
	}
	r.mu.Unlock()

	if fn, ok := goja.AssertFunction(engine.Runtime().Get("on_load")); ok {
		if _, err := engine.Invoke(ctx, fn); err != nil {
			return translateSandboxErr(err)
		}
	}
	return r.manager.MarkLoaded(pluginID)
}

// ensureEngine returns pluginID's cached, hardened engine, building and
// evaluating its entry source on first use. Only one invocation ever runs
// concurrently against a given Engine (the scheduler's per-plugin FIFO
// guarantees this at the task level), so a single cached *sandbox.Engine per
// plugin is safe to reuse across calls.
func (r *Runner) ensureEngine(pluginID string) (Record, *sandbox.Engine, error) {
	rec, ok := r.manager.Get(pluginID)
	if !ok {
		return Record{}, nil, apierrors.Newf(apierrors.CodeUnknown, "unknown plugin %q", pluginID)
	}
	if rec.State != StateEnabled {
		return rec, nil, apierrors.Newf(apierrors.CodePermissionDenied, "plugin %q is not enabled", pluginID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if engine, ok := r.engines[pluginID]; ok {
		return rec, engine, nil
	}

	engine, err := r.buildEngine(rec)
	if err != nil {
		return rec, nil, err
	}
	r.engines[pluginID] = engine
	return rec, engine, nil
}

// buildEngine constructs a hardened sandbox, installs the capabilities
// rec.Manifest declares permission for plus the plugin's config snapshot,
// evaluates the plugin's entry source so its top-level function
// declarations become available globals, and records which of the
// well-known exports the entry source actually defined (§3).
func (r *Runner) buildEngine(rec Record) (*sandbox.Engine, error) {
	engine, err := sandbox.New(sandbox.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("plugin: building sandbox for %q: %w", rec.Manifest.ID, err)
	}

	r.installCapabilities(engine, rec.Manifest)
	if err := engine.Runtime().Set("config", rec.Config); err != nil {
		return nil, fmt.Errorf("plugin: installing config snapshot for %q: %w", rec.Manifest.ID, err)
	}

	f, err := rec.Dir.Open(rec.Manifest.Entry)
	if err != nil {
		return nil, fmt.Errorf("plugin: opening entry %q: %w", rec.Manifest.Entry, err)
	}
	defer f.Close()
	source, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("plugin: reading entry %q: %w", rec.Manifest.Entry, err)
	}

	if _, err := engine.Runtime().RunString(string(source)); err != nil {
		return nil, &sandbox.Error{Kind: sandbox.ErrThrown, Message: err.Error()}
	}

	_ = r.manager.SetModuleExports(rec.Manifest.ID, collectModuleExports(engine, rec.Manifest))
	return engine, nil
}

// collectModuleExports reports which of the well-known lifecycle hooks and
// declared exposed_methods the entry source actually defines as top-level
// functions, for the plugin record's module_exports field (§3).
func collectModuleExports(engine *sandbox.Engine, m *manifest.Manifest) []string {
	candidates := make([]string, 0, len(m.ExposedMethods)+3)
	candidates = append(candidates, "on_load", "fetch_data", "on_event")
	candidates = append(candidates, m.ExposedMethods...)

	vm := engine.Runtime()
	var exports []string
	seen := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := goja.AssertFunction(vm.Get(name)); ok {
			exports = append(exports, name)
		}
	}
	return exports
}

// installCapabilities wires fetch/storage/cache/timer/call into engine's
// globals, gated per manifest.HasPermission — log and emit are always
// available since every plugin may log and announce its own events.
func (r *Runner) installCapabilities(engine *sandbox.Engine, m *manifest.Manifest) {
	pluginID := m.ID

	engine.Install("log", r.jsLog(pluginID))
	engine.Install("emit", r.jsEmit(pluginID))

	if m.HasPermission("network") {
		engine.Install("fetch", r.jsFetch(engine, pluginID))
	}
	if m.HasPermission("storage") {
		engine.Install("storage_get", r.jsStorageGet(engine, pluginID))
		engine.Install("storage_set", r.jsStorageSet(engine, pluginID))
		engine.Install("storage_delete", r.jsStorageDelete(pluginID))
	}
	if m.HasPermission("cache") {
		engine.Install("cache_get", r.jsCacheGet(engine, pluginID))
		engine.Install("cache_set", r.jsCacheSet(pluginID))
	}
	if m.HasPermission("timer") {
		engine.Install("setTimeout", r.jsSetTimeout(engine, pluginID))
		engine.Install("clearTimeout", r.jsClearTimeout(pluginID))
	}
	engine.Install("call", r.jsCall(engine, pluginID))
}

// jsThrow raises a catchable JS exception carrying err's message, the
// pattern every capability function below uses to surface a Go error
// without a native function being able to escape goja's call stack handling.
func jsThrow(vm *goja.Runtime, err error) {
	panic(vm.NewGoError(err))
}

func (r *Runner) jsLog(pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		level := "info"
		if len(call.Arguments) > 0 {
			level = call.Argument(0).String()
		}
		message := ""
		if len(call.Arguments) > 1 {
			message = call.Argument(1).String()
		}
		var fields map[string]any
		if len(call.Arguments) > 2 {
			if f, ok := call.Argument(2).Export().(map[string]any); ok {
				fields = f
			}
		}
		r.logs.Log(pluginID, level, message, fields)
		return goja.Undefined()
	}
}

func (r *Runner) jsEmit(pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		var data any
		if len(call.Arguments) > 1 {
			data = call.Argument(1).Export()
		}
		r.bus.Publish(eventbus.Event{Topic: "plugin:" + pluginID + ":" + topic, PluginID: pluginID, Data: data})
		return goja.Undefined()
	}
}

func (r *Runner) jsFetch(engine *sandbox.Engine, pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := engine.Runtime()
		url := call.Argument(0).String()
		method := "GET"
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			method = call.Argument(1).String()
		}
		data, status, err := r.fetch.Fetch(context.Background(), pluginID, url, nil, method)
		if err != nil {
			jsThrow(vm, err)
		}
		return vm.ToValue(map[string]any{"status": status, "body": string(data)})
	}
}

func (r *Runner) jsStorageGet(engine *sandbox.Engine, pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := engine.Runtime()
		key := call.Argument(0).String()
		v, ok, err := r.storage.Get(pluginID, key)
		if err != nil {
			jsThrow(vm, err)
		}
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	}
}

func (r *Runner) jsStorageSet(engine *sandbox.Engine, pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := engine.Runtime()
		key := call.Argument(0).String()
		value := call.Argument(1).Export()
		if err := r.storage.Set(pluginID, key, value); err != nil {
			jsThrow(vm, err)
		}
		return goja.Undefined()
	}
}

func (r *Runner) jsStorageDelete(pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		r.storage.Delete(pluginID, call.Argument(0).String())
		return goja.Undefined()
	}
}

const capabilityCacheTTL = 300 * time.Second

func (r *Runner) jsCacheGet(engine *sandbox.Engine, pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := engine.Runtime()
		key := call.Argument(0).String()
		raw, ok := r.cache.Get(pluginID, key)
		if !ok {
			return goja.Null()
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			jsThrow(vm, err)
		}
		return vm.ToValue(v)
	}
}

func (r *Runner) jsCacheSet(pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		value := call.Argument(1).Export()
		encoded, err := json.Marshal(value)
		if err != nil {
			return goja.Undefined()
		}
		r.cache.Set(pluginID, key, encoded, capabilityCacheTTL, 0)
		return goja.Undefined()
	}
}

func (r *Runner) jsSetTimeout(engine *sandbox.Engine, pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := engine.Runtime()
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			jsThrow(vm, fmt.Errorf("setTimeout: first argument must be a function"))
		}
		delayMs := call.Argument(1).ToInteger()

		id, ok := r.timers.Register(pluginID, time.Duration(delayMs)*time.Millisecond, func() {
			ctx, cancel := context.WithTimeout(context.Background(), sandbox.DefaultLimits().WallClock)
			defer cancel()
			_, _ = engine.Invoke(ctx, fn)
		})
		if !ok {
			jsThrow(vm, apierrors.New(apierrors.CodeSandboxLimit))
		}
		return vm.ToValue(id)
	}
}

func (r *Runner) jsClearTimeout(pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		r.timers.Cancel(pluginID, call.Argument(0).ToInteger())
		return goja.Undefined()
	}
}

func (r *Runner) jsCall(engine *sandbox.Engine, pluginID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := engine.Runtime()
		targetID := call.Argument(0).String()
		method := call.Argument(1).String()
		var params any
		if len(call.Arguments) > 2 {
			params = call.Argument(2).Export()
		}
		chain := r.currentChain(pluginID)
		result, err := r.broker.Call(context.Background(), chain, targetID, method, params)
		if err != nil {
			jsThrow(vm, err)
		}
		return vm.ToValue(result)
	}
}

// currentChain returns the ancestor chain a call(...) originating from
// pluginID's own sandbox should extend: the chain stashed by invokeTarget
// when pluginID was itself invoked as the target of an outer call, or a
// fresh chain rooted at pluginID when it is the original caller (§4.6).
func (r *Runner) currentChain(pluginID string) *broker.Chain {
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	if c, ok := r.chains[pluginID]; ok {
		return c
	}
	return broker.NewChain(pluginID)
}

// setChain stashes chain as targetID's current ancestor chain for the
// duration of one invocation, returning a cleanup that restores whatever
// chain (if any) was stashed before — nested calls into the same plugin id
// cannot occur within one chain (the broker's distinctness rule forbids it),
// but this keeps the map tidy regardless.
func (r *Runner) setChain(targetID string, chain *broker.Chain) (restore func()) {
	r.chainMu.Lock()
	prev, had := r.chains[targetID]
	r.chains[targetID] = chain
	r.chainMu.Unlock()

	return func() {
		r.chainMu.Lock()
		if had {
			r.chains[targetID] = prev
		} else {
			delete(r.chains, targetID)
		}
		r.chainMu.Unlock()
	}
}

// lookupTarget adapts Manager.Get into broker.TargetLookup.
func (r *Runner) lookupTarget(pluginID string) (broker.Target, bool) {
	rec, ok := r.manager.Get(pluginID)
	if !ok || rec.Manifest == nil {
		return broker.Target{}, false
	}
	exposed := make(map[string]bool, len(rec.Manifest.ExposedMethods))
	for _, m := range rec.Manifest.ExposedMethods {
		exposed[m] = true
	}
	return broker.Target{PluginID: pluginID, Enabled: rec.State == StateEnabled, ExposedMethods: exposed}, true
}

// hasCallPermission adapts the caller's declared permissions into
// broker.PermissionCheck, per the "call:{target}:{method}" convention.
func (r *Runner) hasCallPermission(callerID, targetID, method string) bool {
	rec, ok := r.manager.Get(callerID)
	if !ok || rec.Manifest == nil {
		return false
	}
	return rec.Manifest.HasPermission(fmt.Sprintf("call:%s:%s", targetID, method))
}

// invokeTarget adapts a JSON-round-tripped call into broker.Invoker: it
// stashes chain as targetID's active ancestor chain (so a further call(...)
// targetID's own script makes during this invocation extends the same chain
// rather than starting a fresh one, closing the A->B->A cycle/depth-limit
// gap), looks up method as a global function in the target's own engine, and
// invokes it with params as its sole argument.
func (r *Runner) invokeTarget(ctx context.Context, chain *broker.Chain, targetID, method string, params any) (any, error) {
	_, engine, err := r.ensureEngine(targetID)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(engine.Runtime().Get(method))
	if !ok {
		return nil, apierrors.Newf(apierrors.CodePermissionDenied, "plugin %q does not define method %q", targetID, method)
	}

	restore := r.setChain(targetID, chain)
	defer restore()

	v, err := engine.Invoke(ctx, fn, engine.Runtime().ToValue(params))
	if err != nil {
		return nil, translateSandboxErr(err)
	}
	return v.Export(), nil
}

// translateSandboxErr maps a tagged sandbox.Error onto the runtime's own
// error taxonomy so every caller above the sandbox sees one consistent set
// of codes (§4.2, §7).
func translateSandboxErr(err error) error {
	se, ok := err.(*sandbox.Error)
	if !ok {
		return apierrors.Newf(apierrors.CodeUnknown, "%v", err)
	}
	switch se.Kind {
	case sandbox.ErrTimedOut:
		return apierrors.Newf(apierrors.CodeTimeout, "%s", se.Message)
	case sandbox.ErrMemoryExceeded, sandbox.ErrSandboxSecurity:
		return apierrors.Newf(apierrors.CodeSandboxLimit, "%s", se.Message)
	default:
		return apierrors.Newf(apierrors.CodeProviderError, "%s", se.Message)
	}
}
