// Package sandbox owns the per-process JS engine used to run plugin code
// (§4.2). No teacher or pack repo exercises goja, so hardening and the
// dual-deadline enforcement here are designed directly against goja's public
// API rather than ported from an existing pattern; see DESIGN.md.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Limits bounds a single sandbox invocation, per §4.2's resource-limit list.
type Limits struct {
	MemoryBytes   uint64
	StackSize     int
	WallClock     time.Duration
}

// DefaultLimits matches the values named in §4.2.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 16 * 1024 * 1024,
		StackSize:   512 * 1024,
		WallClock:   30 * time.Second,
	}
}

// ErrorKind tags how a sandbox invocation failed (§4.2's tagged-error contract).
type ErrorKind string

const (
	ErrTimedOut        ErrorKind = "TimedOut"
	ErrMemoryExceeded  ErrorKind = "MemoryExceeded"
	ErrSandboxSecurity ErrorKind = "SandboxSecurity"
	ErrThrown          ErrorKind = "Thrown"
	ErrHost            ErrorKind = "HostError"
)

// Error is the tagged failure returned from a sandbox invocation.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Engine owns one goja.Runtime. A runtime is not goroutine-safe, so each
// Engine value must only ever be driven by one invocation at a time — the
// lifecycle manager serializes invocations per plugin (§4.3), and the
// scheduler's per-plugin FIFO guarantees this at the task level too.
type Engine struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	limits Limits
}

// New builds a hardened engine with limits applied at construction.
func New(limits Limits) (*Engine, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(limits.StackSize)
	if limits.MemoryBytes > 0 {
		vm.SetMemoryLimit(int(limits.MemoryBytes))
	}

	e := &Engine{vm: vm, limits: limits}
	if err := harden(vm); err != nil {
		return nil, fmt.Errorf("sandbox: hardening failed: %w", err)
	}
	if err := e.selfCheck(); err != nil {
		return nil, err
	}
	return e, nil
}

// harden strips or poisons every global surface that could let plugin code
// reach outside its sandbox: eval and the Function-family constructors (all
// routes to dynamic code generation), and WebAssembly / module loaders (no
// bytecode escape hatches). It is fail-closed: any unexpected shape of the
// global object is an error, not a silent no-op.
func harden(vm *goja.Runtime) error {
	global := vm.GlobalObject()

	if ok := global.Delete("eval"); !ok {
		return fmt.Errorf("could not remove eval from global scope")
	}
	for _, name := range []string{"WebAssembly", "require", "module", "exports", "process", "globalThis"} {
		global.Delete(name)
	}

	poison := func(name string) error {
		thrower, err := vm.RunString(fmt.Sprintf(
			`(function() { throw new TypeError(%q); })`, name+" is disabled in this sandbox"))
		if err != nil {
			return err
		}
		getter, ok := goja.AssertFunction(thrower)
		if !ok {
			return fmt.Errorf("could not build getter for %s", name)
		}
		_ = getter
		return global.DefineAccessorProperty(name, thrower, goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_TRUE)
	}

	for _, name := range []string{"Function", "AsyncFunction", "GeneratorFunction", "AsyncGeneratorFunction"} {
		if err := poison(name); err != nil {
			return fmt.Errorf("poisoning %s: %w", name, err)
		}
	}
	return nil
}

// selfCheck runs a few probes confirming hardening actually took effect,
// refusing to hand back an engine that isn't locked down (fail closed rather
// than fail open on a hardening regression).
func (e *Engine) selfCheck() error {
	probes := []string{
		`typeof eval === "undefined"`,
		`(function(){ try { Function; return false; } catch (e) { return true; } })()`,
		`typeof WebAssembly === "undefined"`,
	}
	for _, probe := range probes {
		v, err := e.vm.RunString(probe)
		if err != nil {
			return fmt.Errorf("sandbox: self-check probe errored: %w", err)
		}
		if !v.ToBoolean() {
			return fmt.Errorf("sandbox: self-check failed, hardening did not take effect: %s", probe)
		}
	}
	return nil
}

// Install exposes name as a capability function backed by fn, called
// synchronously from JS; fn is responsible for its own async bridging via
// goja's promise APIs where needed.
func (e *Engine) Install(name string, fn func(goja.FunctionCall) goja.Value) {
	e.vm.Set(name, fn)
}

// Runtime returns the underlying goja.Runtime for capability constructors
// that need to build goja.Value arguments or promises.
func (e *Engine) Runtime() *goja.Runtime { return e.vm }

// Invoke runs fn (a compiled export, e.g. on_load or fetch_data) under dual
// deadline enforcement: a watchdog timer calls vm.Interrupt once the lesser
// of ctx's deadline and the engine's configured wall-clock limit elapses,
// and any panic raised by goja's own memory limiter is translated to the
// tagged MemoryExceeded error. Only one Invoke may run at a time per Engine.
func (e *Engine) Invoke(ctx context.Context, fn goja.Callable, args ...goja.Value) (result goja.Value, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	deadline := time.Now().Add(e.limits.WallClock)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		e.vm.Interrupt(string(ErrTimedOut))
	})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: ErrMemoryExceeded, Message: fmt.Sprintf("%v", r)}
		}
	}()

	v, callErr := fn(goja.Undefined(), args...)
	if callErr != nil {
		return nil, classify(callErr)
	}
	return v, nil
}

// classify converts a goja call error into the tagged contract.
func classify(err error) error {
	if ie, ok := err.(*goja.InterruptedError); ok {
		reason := fmt.Sprintf("%v", ie.Value())
		if reason == string(ErrTimedOut) {
			return &Error{Kind: ErrTimedOut, Message: "execution exceeded the wall-clock limit"}
		}
		return &Error{Kind: ErrSandboxSecurity, Message: reason}
	}
	if ex, ok := err.(*goja.Exception); ok {
		return &Error{Kind: ErrThrown, Message: ex.Error()}
	}
	return &Error{Kind: ErrHost, Message: err.Error()}
}

// Reset discards the current runtime state and rebuilds a fresh, hardened
// engine in place, so no state from the old runtime survives.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fresh, err := New(e.limits)
	if err != nil {
		return err
	}
	e.vm = fresh.vm
	return nil
}
