package reliability

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
)

// BucketConfig is the validated construction input for a rate-limit bucket.
type BucketConfig struct {
	Capacity        float64
	RefillPerSecond float64
}

// validate enforces non-negative, capacity >= 1, finite configuration per
// §4.5.2; invalid configuration falls back to the documented defaults so the
// runtime never boots with undefined limits.
func (c BucketConfig) validate(logger *slog.Logger, scope string) BucketConfig {
	const (
		defaultCapacity = 10.0
		defaultRefill   = 5.0
	)
	valid := c.Capacity >= 1 && !isNaNOrInf(c.Capacity) && c.RefillPerSecond >= 0 && !isNaNOrInf(c.RefillPerSecond)
	if valid {
		return c
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("reliability: invalid rate-limit config, using defaults",
		"scope", scope, "capacity", c.Capacity, "refill_per_second", c.RefillPerSecond)
	return BucketConfig{Capacity: defaultCapacity, RefillPerSecond: defaultRefill}
}

func isNaNOrInf(f float64) bool {
	return f != f || f > 1e300 || f < -1e300
}

// bucket wraps rate.Limiter, which already implements the token-bucket
// semantics (tokens bounded by capacity, monotonic wall-time refill) the
// spec's invariant requires; we only add the deadline-bound Wait contract.
type bucket struct {
	limiter *rate.Limiter
}

func newBucket(cfg BucketConfig) *bucket {
	return &bucket{limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), int(cfg.Capacity))}
}

// acquire blocks until a token is available or ctx's deadline elapses,
// returning a RATE_LIMIT PluginError on deadline.
func (b *bucket) acquire(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return apierrors.New(apierrors.CodeRateLimit)
	}
	return nil
}

// RateLimiter manages the global bucket and one per-plugin bucket each,
// per §4.5.2's two scopes.
type RateLimiter struct {
	mu      sync.Mutex
	logger  *slog.Logger
	global  *bucket
	perPlug map[string]*bucket
	plugCfg BucketConfig
}

// NewRateLimiter builds the global bucket from globalCfg and remembers
// perPluginCfg as the template applied the first time each plugin acquires.
func NewRateLimiter(logger *slog.Logger, globalCfg, perPluginCfg BucketConfig) *RateLimiter {
	globalCfg = globalCfg.validate(logger, "global")
	perPluginCfg = perPluginCfg.validate(logger, "per_plugin")
	return &RateLimiter{
		logger:  logger,
		global:  newBucket(globalCfg),
		perPlug: make(map[string]*bucket),
		plugCfg: perPluginCfg,
	}
}

func (r *RateLimiter) pluginBucket(pluginID string) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.perPlug[pluginID]
	if !ok {
		b = newBucket(r.plugCfg)
		r.perPlug[pluginID] = b
	}
	return b
}

// Acquire blocks for a token in both the global and the per-plugin bucket,
// up to ctx's deadline, failing with RATE_LIMIT on expiry.
func (r *RateLimiter) Acquire(ctx context.Context, pluginID string) error {
	if err := r.global.acquire(ctx); err != nil {
		return err
	}
	return r.pluginBucket(pluginID).acquire(ctx)
}

// UpdatePluginPolicy replaces a plugin's bucket live (used when resource
// policy changes), mirroring the teacher's UpdatePolicy hot-swap pattern.
func (r *RateLimiter) UpdatePluginPolicy(pluginID string, cfg BucketConfig) {
	cfg = cfg.validate(r.logger, "per_plugin:"+pluginID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perPlug[pluginID] = newBucket(cfg)
}
