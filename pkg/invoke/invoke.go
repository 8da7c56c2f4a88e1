// Package invoke is the cache-aware call path that endpoints use in place of
// calling the generation client directly.
package invoke

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/fingerprint"
	"github.com/medlearn/aicache/pkg/modelhint"
	"github.com/medlearn/aicache/pkg/models"
)

// GenerateFunc produces an artifact for a mode and request context.
type GenerateFunc func(ctx context.Context, mode string, reqContext map[string]any) (models.Artifact, error)

// Observer receives lookup and generation outcomes.
type Observer interface {
	ObserveLookup(mode string, hit bool)
	ObserveGeneration(mode string, d time.Duration, err error)
}

// Recorder receives one analytics event per invocation.
type Recorder interface {
	Record(ev models.CacheEvent)
}

// Invoker wraps generation with a cache lookup.
type Invoker struct {
	store    *cache.Store
	hints    *modelhint.Resolver
	ttl      time.Duration
	logger   *zap.Logger
	observer Observer
	recorder Recorder
	group    *singleflight.Group
	bypass   bool
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithDefaultTTL sets the TTL used when a call does not choose one.
func WithDefaultTTL(d time.Duration) Option {
	return func(inv *Invoker) { inv.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(inv *Invoker) { inv.logger = l }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(inv *Invoker) { inv.observer = o }
}

// WithRecorder registers an analytics recorder.
func WithRecorder(r Recorder) Option {
	return func(inv *Invoker) { inv.recorder = r }
}

// WithSingleFlight collapses concurrent misses on one fingerprint within
// this process into a single generation.
func WithSingleFlight(enabled bool) Option {
	return func(inv *Invoker) {
		if enabled {
			inv.group = &singleflight.Group{}
		} else {
			inv.group = nil
		}
	}
}

// WithCaching turns the cache on or off. When off every call generates and
// nothing is stored, but descriptors are still validated.
func WithCaching(enabled bool) Option {
	return func(inv *Invoker) { inv.bypass = !enabled }
}

// New creates an Invoker. A nil resolver leaves the model hint empty.
func New(store *cache.Store, hints *modelhint.Resolver, opts ...Option) *Invoker {
	inv := &Invoker{
		store:  store,
		hints:  hints,
		ttl:    cache.DefaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

type callOptions struct {
	ttl time.Duration
}

// CallOption adjusts a single invocation.
type CallOption func(*callOptions)

// WithTTL overrides the TTL for one call. Zero or less stores without expiry.
func WithTTL(d time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = d }
}

// Fingerprint returns the cache key Invoke would use for mode and reqContext.
func (inv *Invoker) Fingerprint(mode string, reqContext map[string]any) (string, error) {
	d := models.Descriptor{Mode: mode, Context: reqContext}
	if inv.hints != nil {
		d.ModelHint = inv.hints.Resolve(mode)
	}
	return fingerprint.Fingerprint(d)
}

// Invoke returns the cached artifact for (mode, reqContext) or calls gen and
// caches its result. Errors from gen are returned unchanged and never cached.
// Cache store failures are not returned; they degrade to a miss.
func (inv *Invoker) Invoke(ctx context.Context, mode string, reqContext map[string]any, gen GenerateFunc, opts ...CallOption) (models.InvokeResult, error) {
	co := callOptions{ttl: inv.ttl}
	for _, opt := range opts {
		opt(&co)
	}

	fp, err := inv.Fingerprint(mode, reqContext)
	if err != nil {
		return models.InvokeResult{}, err
	}

	start := time.Now()
	if !inv.bypass {
		if lk, ok := inv.store.Get(ctx, fp); ok {
			age := lk.CacheAge
			inv.observeLookup(mode, true)
			inv.record(fp, mode, models.OutcomeHit, lk.Artifact.Usage, time.Since(start))
			return models.InvokeResult{
				Artifact:  lk.Artifact,
				Cached:    true,
				CacheHit:  true,
				CacheAge:  &age,
				TotalHits: lk.TotalHits,
			}, nil
		}
		inv.observeLookup(mode, false)
	}

	var artifact models.Artifact
	outcome := models.OutcomeMiss
	if inv.group != nil {
		// Waiters must not fail when the caller that started the flight goes away.
		leader := false
		v, err, _ := inv.group.Do(fp, func() (any, error) {
			leader = true
			return inv.generate(context.WithoutCancel(ctx), fp, mode, reqContext, gen, co.ttl)
		})
		if err != nil {
			inv.record(fp, mode, models.OutcomeError, nil, time.Since(start))
			return models.InvokeResult{}, err
		}
		artifact = v.(models.Artifact)
		if !leader {
			outcome = models.OutcomeShared
		}
	} else {
		artifact, err = inv.generate(ctx, fp, mode, reqContext, gen, co.ttl)
		if err != nil {
			inv.record(fp, mode, models.OutcomeError, nil, time.Since(start))
			return models.InvokeResult{}, err
		}
	}

	inv.record(fp, mode, outcome, artifact.Usage, time.Since(start))
	return models.InvokeResult{Artifact: artifact}, nil
}

func (inv *Invoker) generate(ctx context.Context, fp, mode string, reqContext map[string]any, gen GenerateFunc, ttl time.Duration) (models.Artifact, error) {
	start := time.Now()
	artifact, err := gen(ctx, mode, reqContext)
	if inv.observer != nil {
		inv.observer.ObserveGeneration(mode, time.Since(start), err)
	}
	if err != nil {
		inv.logger.Warn("generation failed",
			zap.String("mode", mode),
			zap.String("fingerprint", fp),
			zap.Error(err))
		return models.Artifact{}, err
	}

	if !inv.bypass {
		inv.store.Set(ctx, fp, mode, reqContext, artifact, ttl)
	}
	return artifact, nil
}

func (inv *Invoker) observeLookup(mode string, hit bool) {
	if inv.observer != nil {
		inv.observer.ObserveLookup(mode, hit)
	}
}

func (inv *Invoker) record(fp, mode string, outcome models.EventOutcome, usage *models.UsageInfo, latency time.Duration) {
	if inv.recorder == nil {
		return
	}
	ev := models.CacheEvent{
		Fingerprint: fp,
		Mode:        mode,
		Outcome:     outcome,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   inv.store.Now(),
	}
	if usage != nil {
		ev.Model = usage.Model
		ev.TokensUsed = usage.Tokens()
		ev.CostUSD = usage.CostUSD
	}
	inv.recorder.Record(ev)
}
