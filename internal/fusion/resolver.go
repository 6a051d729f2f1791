// Package fusion combines candidate signals about an ambiguous item into one
// resolved entity association via Bayesian log-odds, weighted by learned
// source trust and time decay.
package fusion

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/account-signals/internal/decay"
	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/registry"
	"github.com/sells-group/account-signals/internal/trust"
)

// ErrUnresolved means no candidate cleared the acceptance threshold (or the
// resolve was cancelled before a trustworthy answer existed).
var ErrUnresolved = eris.New("fusion: unresolved")

// JunctionFunc looks up an explicit, authoritative link for a subject.
// A non-nil result bypasses probabilistic resolution entirely.
type JunctionFunc func(ctx context.Context, subject model.EntityRef) (*model.EntityRef, error)

// Config tunes the fusion math.
type Config struct {
	// Prior is the base-rate probability a produced candidate is correct.
	// Every signal with confidence above it pushes the fused value up.
	Prior float64 `yaml:"prior" mapstructure:"prior"`
	// Threshold is the minimum fused probability to accept a candidate.
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	// Epsilon clips confidences away from exact 0 and 1 before the logit.
	Epsilon float64 `yaml:"epsilon" mapstructure:"epsilon"`
	// ProducerTimeout bounds each producer call.
	ProducerTimeout time.Duration `yaml:"producer_timeout" mapstructure:"producer_timeout"`
	// DefaultHalfLife applies to candidates whose type has no registry entry.
	DefaultHalfLife time.Duration `yaml:"default_half_life" mapstructure:"default_half_life"`
}

// DefaultConfig returns the reference fusion tuning.
func DefaultConfig() Config {
	return Config{
		Prior:           0.2,
		Threshold:       0.55,
		Epsilon:         1e-6,
		ProducerTimeout: 3 * time.Second,
		DefaultHalfLife: decay.DefaultHalfLife,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prior <= 0 || c.Prior >= 1 {
		c.Prior = d.Prior
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		c.Threshold = d.Threshold
	}
	if c.Epsilon <= 0 || c.Epsilon >= 0.5 {
		c.Epsilon = d.Epsilon
	}
	if c.ProducerTimeout <= 0 {
		c.ProducerTimeout = d.ProducerTimeout
	}
	if c.DefaultHalfLife <= 0 {
		c.DefaultHalfLife = d.DefaultHalfLife
	}
	return c
}

// Resolver fuses producer candidates into entity associations. Resolution
// is a pure read-side computation: any number of goroutines may call
// Resolve concurrently.
type Resolver struct {
	producers []Producer
	junction  JunctionFunc
	learner   *trust.Learner
	reg       *registry.Registry
	cfg       Config
	now       func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithJunction attaches the authoritative link lookup.
func WithJunction(j JunctionFunc) ResolverOption {
	return func(r *Resolver) { r.junction = j }
}

// WithNow sets a fixed clock for testing.
func WithNow(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver over producers, trust weights, and the
// signal-type registry.
func NewResolver(producers []Producer, learner *trust.Learner, reg *registry.Registry, cfg Config, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		producers: producers,
		learner:   learner,
		reg:       reg,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a subject to the entity it concerns. The junction gate wins
// outright when an authoritative link exists; otherwise candidates from all
// producers are fused per entity and the best fused probability above the
// threshold wins. Ties break by producer priority. Cancellation returns
// ErrUnresolved, never a partial fusion.
func (r *Resolver) Resolve(ctx context.Context, subject model.EntityRef) (*model.EntityAssociation, error) {
	return r.resolve(ctx, nil, subject)
}

// hypothesis is a provisionally committed resolution within a session.
type hypothesis struct {
	assoc     model.EntityAssociation
	producers map[string]bool
}

// Session pins the committed hypothesis per subject so that noisy follow-up
// signals reinforce rather than flip the resolution. A different candidate
// takes over only when a producer that did not back the current hypothesis
// independently clears the threshold for it.
type Session struct {
	hypotheses map[string]hypothesis
}

// NewSession creates an empty resolution session.
func NewSession() *Session {
	return &Session{hypotheses: make(map[string]hypothesis)}
}

// ResolveSession is Resolve with hypothesis pinning across calls.
func (r *Resolver) ResolveSession(ctx context.Context, s *Session, subject model.EntityRef) (*model.EntityAssociation, error) {
	return r.resolve(ctx, s, subject)
}

func (r *Resolver) resolve(ctx context.Context, session *Session, subject model.EntityRef) (*model.EntityAssociation, error) {
	// Junction gate: an explicit link is authoritative, no other producer
	// is consulted.
	if r.junction != nil {
		target, err := r.junction(ctx, subject)
		if err != nil {
			zap.L().Warn("fusion: junction lookup failed",
				zap.String("subject", subject.String()), zap.Error(err))
		} else if target != nil {
			assoc := &model.EntityAssociation{
				Subject:         subject,
				Candidate:       *target,
				FusedConfidence: 1.0,
				Method:          model.MethodJunction,
				ResolvedAt:      r.now(),
			}
			if session != nil {
				session.commit(subject, *assoc, map[string]bool{"junction": true})
			}
			return assoc, nil
		}
	}

	candidates := r.gather(ctx, subject)
	if ctx.Err() != nil {
		return nil, eris.Wrapf(ErrUnresolved, "cancelled: %v", ctx.Err())
	}
	if len(candidates) == 0 {
		return nil, eris.Wrapf(ErrUnresolved, "no candidates for %s", subject)
	}

	scores, err := r.fuse(ctx, candidates)
	if err != nil {
		return nil, eris.Wrapf(ErrUnresolved, "trust weights unavailable: %v", err)
	}
	if len(scores) == 0 {
		return nil, eris.Wrapf(ErrUnresolved, "no scorable candidates for %s", subject)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].prob != scores[j].prob {
			return scores[i].prob > scores[j].prob
		}
		if scores[i].bestPriority != scores[j].bestPriority {
			return scores[i].bestPriority < scores[j].bestPriority
		}
		return scores[i].entity.String() < scores[j].entity.String()
	})

	best := scores[0]
	if session != nil {
		if winner, ok := session.arbitrate(subject, scores, r.cfg.Threshold); ok {
			best = winner
		}
	}
	if best.prob < r.cfg.Threshold {
		return nil, eris.Wrapf(ErrUnresolved, "best candidate %s at %.3f below threshold %.2f",
			best.entity, best.prob, r.cfg.Threshold)
	}

	assoc := &model.EntityAssociation{
		Subject:            subject,
		Candidate:          best.entity,
		FusedConfidence:    best.prob,
		ContributingEvents: best.eventIDs,
		Method:             model.MethodFused,
		ResolvedAt:         r.now(),
	}
	if session != nil {
		session.commit(subject, *assoc, best.producerSet)
	}
	return assoc, nil
}

// gather fans out over producers with per-producer timeouts. A failed or
// timed-out producer logs a warning and contributes nothing.
func (r *Resolver) gather(ctx context.Context, subject model.EntityRef) []scoredCandidate {
	var (
		g, gCtx = errgroup.WithContext(ctx)
		results = make([][]scoredCandidate, len(r.producers))
	)
	for i, p := range r.producers {
		g.Go(func() error {
			pCtx, cancel := context.WithTimeout(gCtx, r.cfg.ProducerTimeout)
			defer cancel()

			cands, err := p.Candidates(pCtx, subject)
			if err != nil {
				zap.L().Warn("fusion: producer failed",
					zap.String("producer", p.Name()),
					zap.String("subject", subject.String()),
					zap.Error(err),
				)
				return nil
			}
			out := make([]scoredCandidate, 0, len(cands))
			for _, c := range cands {
				out = append(out, scoredCandidate{cand: c, producer: p.Name(), priority: p.Priority()})
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var all []scoredCandidate
	for _, rs := range results {
		all = append(all, rs...)
	}
	return all
}

type scoredCandidate struct {
	cand     Candidate
	producer string
	priority int
}

type fusedScore struct {
	entity       model.EntityRef
	prob         float64
	bestPriority int
	eventIDs     []string
	producerSet  map[string]bool
}

// fuse combines candidates per entity. Fused log-odds start at the prior
// and each signal moves them by its trust-weighted evidence over the prior:
//
//	logodds = logit(prior) + sum_i w_i * (logit(p_i) - logit(prior))
//
// where p_i is the decayed, clipped confidence. A single unit-weight signal
// therefore fuses to exactly its own confidence, and the form is
// order-independent. A weight lookup failure fails the whole fusion; the
// resolver never fuses against substituted trust state.
func (r *Resolver) fuse(ctx context.Context, candidates []scoredCandidate) ([]fusedScore, error) {
	now := r.now()
	prior := logit(clip(r.cfg.Prior, r.cfg.Epsilon))

	byEntity := make(map[model.EntityRef]*fusedScore)
	var order []model.EntityRef
	for _, sc := range candidates {
		c := sc.cand

		weight := 1.0
		if r.learner != nil {
			w, err := r.learner.SampleWeight(ctx, c.Source)
			if err != nil {
				return nil, eris.Wrapf(err, "fusion: weight for %s", c.Source)
			}
			weight = w
		}

		halfLife := r.cfg.DefaultHalfLife
		if r.reg != nil {
			halfLife = r.reg.HalfLife(c.Type, r.cfg.DefaultHalfLife)
		}
		p := decay.Effective(c.Confidence, c.EmittedAt, now, halfLife)
		evidence := weight * (logit(clip(p, r.cfg.Epsilon)) - prior)

		fs, ok := byEntity[c.Entity]
		if !ok {
			fs = &fusedScore{entity: c.Entity, prob: prior, bestPriority: sc.priority, producerSet: make(map[string]bool)}
			byEntity[c.Entity] = fs
			order = append(order, c.Entity)
		}
		fs.prob += evidence // accumulating log-odds; converted below
		if sc.priority < fs.bestPriority {
			fs.bestPriority = sc.priority
		}
		if c.EventID != "" {
			fs.eventIDs = append(fs.eventIDs, c.EventID)
		}
		fs.producerSet[sc.producer] = true
	}

	out := make([]fusedScore, 0, len(byEntity))
	for _, e := range order {
		fs := byEntity[e]
		fs.prob = sigmoid(fs.prob)
		out = append(out, *fs)
	}
	return out, nil
}

// arbitrate applies the multi-candidate conflict policy: keep the committed
// hypothesis unless a producer that did not previously back it clears the
// threshold for a different candidate.
func (s *Session) arbitrate(subject model.EntityRef, scores []fusedScore, threshold float64) (fusedScore, bool) {
	h, ok := s.hypotheses[subject.String()]
	if !ok {
		return fusedScore{}, false
	}

	top := scores[0]
	if top.entity == h.assoc.Candidate {
		return top, true
	}
	if top.prob >= threshold && hasNewProducer(top.producerSet, h.producers) {
		return top, true
	}

	// Otherwise reinforce the committed hypothesis if it still scores.
	for _, fs := range scores {
		if fs.entity == h.assoc.Candidate {
			return fs, true
		}
	}
	// The hypothesis no longer scores and no producer outside it backs the
	// challenger, so the resolve stays unresolved rather than flipping.
	return fusedScore{entity: h.assoc.Candidate}, true
}

func (s *Session) commit(subject model.EntityRef, assoc model.EntityAssociation, producers map[string]bool) {
	key := subject.String()
	h, ok := s.hypotheses[key]
	if ok && h.assoc.Candidate == assoc.Candidate {
		for p := range producers {
			h.producers[p] = true
		}
		h.assoc = assoc
		s.hypotheses[key] = h
		return
	}
	s.hypotheses[key] = hypothesis{assoc: assoc, producers: producers}
}

func hasNewProducer(current, previous map[string]bool) bool {
	for p := range current {
		if !previous[p] {
			return true
		}
	}
	return false
}

func clip(p, eps float64) float64 {
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
