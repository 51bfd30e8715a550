// Package broker implements the cross-plugin call broker (§4.6): it
// validates a call(target_id, method, params) edge against the caller's
// declared permissions and the target's exposed surface, enforces call-chain
// depth and distinctness, and dispatches into a caller-supplied invoker so
// this package never imports the sandbox or manager directly — avoiding the
// cyclic-ownership the spec explicitly calls out (§7).
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
)

// MaxCallDepth is the maximum length of a cross-plugin call chain (§4.6 rule 4).
const MaxCallDepth = 3

// Target describes what a broker needs to know about a callable plugin
// without depending on its concrete type.
type Target struct {
	PluginID       string
	Enabled        bool
	ExposedMethods map[string]bool
}

// TargetLookup resolves a plugin id to its current Target state, or ok=false
// if no such plugin is known to the manager.
type TargetLookup func(pluginID string) (Target, bool)

// PermissionCheck reports whether callerID's manifest declares
// "call:{targetID}:{method}".
type PermissionCheck func(callerID, targetID, method string) bool

// Invoker performs the actual dispatch into targetID's sandbox, returning its
// JSON-normalized result or an error. chain is the full ancestry ending in
// targetID itself, for the callee's own jsCall to extend if it makes a
// further nested call.
type Invoker func(ctx context.Context, chain *Chain, targetID, method string, params any) (any, error)

// Broker wires the three collaborators above into the call(...) rule set.
type Broker struct {
	lookup     TargetLookup
	hasPerm    PermissionCheck
	invoke     Invoker
}

// New constructs a Broker from its three collaborators.
func New(lookup TargetLookup, hasPerm PermissionCheck, invoke Invoker) *Broker {
	return &Broker{lookup: lookup, hasPerm: hasPerm, invoke: invoke}
}

// Chain is the call-chain context threaded through nested Call invocations,
// tracking visited plugin ids so no plugin appears twice in one chain.
type Chain struct {
	visited []string
}

// NewChain starts a chain rooted at callerID.
func NewChain(callerID string) *Chain {
	return &Chain{visited: []string{callerID}}
}

func (c *Chain) depth() int { return len(c.visited) }

func (c *Chain) contains(id string) bool {
	for _, v := range c.visited {
		if v == id {
			return true
		}
	}
	return false
}

func (c *Chain) extend(id string) *Chain {
	next := make([]string, len(c.visited), len(c.visited)+1)
	copy(next, c.visited)
	return &Chain{visited: append(next, id)}
}

// Call dispatches target.method(params) on behalf of chain's current caller
// (the last entry in chain.visited), enforcing all five admission rules from
// §4.6 before ever invoking the target. The returned context for the target
// invocation carries the remaining deadline of ctx minus a small overhead, as
// required for a callee's child sandbox context.
func (b *Broker) Call(ctx context.Context, chain *Chain, targetID, method string, params any) (any, error) {
	callerID := chain.visited[len(chain.visited)-1]

	if !b.hasPerm(callerID, targetID, method) {
		return nil, apierrors.Newf(apierrors.CodePermissionDenied,
			"plugin %q does not declare call:%s:%s", callerID, targetID, method)
	}

	target, ok := b.lookup(targetID)
	if !ok || !target.Enabled {
		return nil, apierrors.Newf(apierrors.CodePermissionDenied, "target plugin %q is not enabled", targetID)
	}

	if !target.ExposedMethods[method] {
		return nil, apierrors.Newf(apierrors.CodePermissionDenied,
			"plugin %q does not expose method %q", targetID, method)
	}

	if chain.depth() >= MaxCallDepth {
		return nil, apierrors.Newf(apierrors.CodePermissionDenied,
			"call chain depth %d exceeds maximum %d", chain.depth(), MaxCallDepth)
	}
	if chain.contains(targetID) {
		return nil, apierrors.Newf(apierrors.CodePermissionDenied,
			"plugin %q already appears in this call chain", targetID)
	}

	childCtx, cancel := childDeadline(ctx)
	defer cancel()

	return b.invoke(childCtx, chain.extend(targetID), targetID, method, params)
}

const deadlineOverhead = 5 * time.Millisecond

// childDeadline derives a context for the callee carrying ctx's remaining
// deadline minus a small fixed overhead, per §4.6's deadline-propagation rule.
func childDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	remaining := time.Until(deadline) - deadlineOverhead
	if remaining < 0 {
		remaining = 0
	}
	return context.WithTimeout(ctx, remaining)
}

// Validate is a pure precondition check usable before committing to a call,
// useful for callers that want to fail fast without constructing an Invoker
// round-trip (e.g. the IPC layer rejecting a malformed request).
func Validate(chain *Chain, targetID string) error {
	if chain.depth() >= MaxCallDepth {
		return fmt.Errorf("broker: call chain depth %d exceeds maximum %d", chain.depth(), MaxCallDepth)
	}
	if chain.contains(targetID) {
		return fmt.Errorf("broker: plugin %q already appears in this call chain", targetID)
	}
	return nil
}

// Extend returns a new chain with targetID appended, for use once a call has
// been accepted and the callee needs its own chain to make further calls.
func (c *Chain) Extend(targetID string) *Chain { return c.extend(targetID) }
