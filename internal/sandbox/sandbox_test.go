package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"
)

func TestNew_HardensDangerousGlobals(t *testing.T) {
	e, err := New(DefaultLimits())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cases := []string{
		`typeof eval`,
		`typeof WebAssembly`,
	}
	for _, src := range cases {
		v, err := e.Runtime().RunString(src)
		if err != nil {
			t.Fatalf("probe %q errored: %v", src, err)
		}
		if v.String() != "undefined" {
			t.Errorf("probe %q = %q, want undefined", src, v.String())
		}
	}
}

func TestNew_FunctionConstructorThrows(t *testing.T) {
	e, err := New(DefaultLimits())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, runErr := e.Runtime().RunString(`Function`)
	if runErr == nil {
		t.Fatal("expected accessing Function to throw")
	}
}

func TestInvoke_TimesOut(t *testing.T) {
	limits := DefaultLimits()
	limits.WallClock = 50 * time.Millisecond
	e, err := New(limits)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	v, err := e.Runtime().RunString(`(function(){ while(true) {} })`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		t.Fatal("expected a callable")
	}

	_, err = e.Invoke(context.Background(), fn)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	se, ok := err.(*Error)
	if !ok || se.Kind != ErrTimedOut {
		t.Errorf("expected TimedOut, got %v", err)
	}
}

func TestInvoke_ThrownErrorClassified(t *testing.T) {
	e, err := New(DefaultLimits())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	v, err := e.Runtime().RunString(`(function(){ throw new Error("boom"); })`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	fn, _ := goja.AssertFunction(v)

	_, callErr := e.Invoke(context.Background(), fn)
	se, ok := callErr.(*Error)
	if !ok || se.Kind != ErrThrown {
		t.Errorf("expected Thrown, got %v", callErr)
	}
}

func TestInvoke_ContextDeadlineBindsWallClock(t *testing.T) {
	e, err := New(DefaultLimits())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	v, err := e.Runtime().RunString(`(function(){ while(true) {} })`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	fn, _ := goja.AssertFunction(v)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = e.Invoke(ctx, fn)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("invoke took too long to respect the shorter ctx deadline: %v", elapsed)
	}
}
