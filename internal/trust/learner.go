// Package trust learns per-source trust weights from user accept/reject
// feedback via Thompson Sampling over a Beta posterior.
package trust

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/store"
)

// MinSamples is the exploration floor: below this many feedback samples a
// source keeps the neutral weight 1.0, so influence is never adjusted on
// insufficient evidence.
const MinSamples = 5

// DefaultCacheTTL bounds how stale a cached weight may be during resolves.
const DefaultCacheTTL = 30 * time.Second

// Learner updates and samples source trust weights. Updates are atomic per
// source (a single upsert statement in the store); sampling reads through a
// short-lived cache so a resolve does not hit the store per signal.
type Learner struct {
	store    store.Store
	cacheTTL time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	cacheMu sync.RWMutex
	cache   map[model.Source]cachedWeight
}

type cachedWeight struct {
	weight  *model.SourceWeight
	fetched time.Time
}

// Option configures a Learner.
type Option func(*Learner)

// WithRand sets a deterministic random source for testing.
func WithRand(rng *rand.Rand) Option {
	return func(l *Learner) { l.rng = rng }
}

// WithCacheTTL overrides the weight cache TTL. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(l *Learner) { l.cacheTTL = ttl }
}

// NewLearner creates a Learner over the store.
func NewLearner(st store.Store, opts ...Option) *Learner {
	l := &Learner{
		store:    st,
		cacheTTL: DefaultCacheTTL,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		cache:    make(map[model.Source]cachedWeight),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordFeedback increments alpha (accept) or beta (reject) and the sample
// count for a source, creating the weight lazily on first feedback. The
// store performs the increment in one statement, so concurrent feedback for
// the same source is never lost.
func (l *Learner) RecordFeedback(ctx context.Context, source model.Source, accepted bool) (*model.SourceWeight, error) {
	w, err := l.store.RecordFeedback(ctx, source, accepted)
	if err != nil {
		return nil, eris.Wrapf(err, "trust: record feedback for %s", source)
	}

	l.cacheMu.Lock()
	delete(l.cache, source)
	l.cacheMu.Unlock()

	zap.L().Debug("trust: feedback recorded",
		zap.String("source", string(source)),
		zap.Bool("accepted", accepted),
		zap.Int64("samples", w.SampleCount),
	)
	return w, nil
}

// SampleWeight draws a trust factor for a source. Sources with fewer than
// MinSamples feedback samples (including unknown sources) get the neutral
// weight 1.0; otherwise the draw comes from Beta(alpha, beta).
func (l *Learner) SampleWeight(ctx context.Context, source model.Source) (float64, error) {
	w, err := l.weight(ctx, source)
	if err != nil {
		return 0, err
	}
	if w == nil || w.SampleCount < MinSamples {
		return 1.0, nil
	}

	l.rngMu.Lock()
	draw := sampleBeta(l.rng, w.Alpha, w.Beta)
	l.rngMu.Unlock()
	return draw, nil
}

// Weight returns the current stored weight for a source, nil when the
// source has never received feedback.
func (l *Learner) Weight(ctx context.Context, source model.Source) (*model.SourceWeight, error) {
	return l.weight(ctx, source)
}

func (l *Learner) weight(ctx context.Context, source model.Source) (*model.SourceWeight, error) {
	if l.cacheTTL > 0 {
		l.cacheMu.RLock()
		c, ok := l.cache[source]
		l.cacheMu.RUnlock()
		if ok && time.Since(c.fetched) < l.cacheTTL {
			return c.weight, nil
		}
	}

	w, err := l.store.GetSourceWeight(ctx, source)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "trust: get weight for %s", source)
	}

	if l.cacheTTL > 0 {
		l.cacheMu.Lock()
		l.cache[source] = cachedWeight{weight: w, fetched: time.Now()}
		l.cacheMu.Unlock()
	}
	return w, nil
}

// sampleBeta draws from Beta(a, b) via two gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0.5
	}
	ga := sampleGamma(rng, a)
	gb := sampleGamma(rng, b)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang method.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(a) = Gamma(a+1) * U^(1/a).
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if math.Log(u) < 0.5*x*x+d-d*v+d*math.Log(v) {
			return d * v
		}
	}
}
