package fusion

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/account-signals/internal/bus"
	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/registry"
	"github.com/sells-group/account-signals/internal/store"
)

// Fixed producer priorities for tie-breaking: junction > attendee >
// pattern > keyword > embedding. Lower wins.
const (
	PriorityJunction  = 0
	PriorityAttendee  = 1
	PriorityPattern   = 2
	PriorityKeyword   = 3
	PriorityEmbedding = 4
)

// Candidate is one (entity, confidence) pair contributed by a producer.
type Candidate struct {
	Entity     model.EntityRef
	Confidence float64
	Source     model.Source
	Type       model.SignalType
	EventID    string
	EmittedAt  time.Time
}

// Producer supplies candidate entities for an ambiguous subject. A producer
// that fails or times out contributes no candidates; resolution continues
// with the rest.
type Producer interface {
	Name() string
	Priority() int
	Candidates(ctx context.Context, subject model.EntityRef) ([]Candidate, error)
}

// SignalProducer derives candidates from bus signals of one type about the
// subject: the event value names the candidate entity, the event confidence
// is the producer confidence.
type SignalProducer struct {
	name       string
	bus        *bus.Bus
	sigType    model.SignalType
	targetKind model.EntityKind
	priority   int
	maxEvents  int
}

// NewSignalProducer builds a bus-backed producer for one match signal type.
func NewSignalProducer(name string, b *bus.Bus, sigType model.SignalType, targetKind model.EntityKind, priority int) *SignalProducer {
	return &SignalProducer{
		name:       name,
		bus:        b,
		sigType:    sigType,
		targetKind: targetKind,
		priority:   priority,
		maxEvents:  200,
	}
}

func (p *SignalProducer) Name() string  { return p.name }
func (p *SignalProducer) Priority() int { return p.priority }

func (p *SignalProducer) Candidates(ctx context.Context, subject model.EntityRef) ([]Candidate, error) {
	var out []Candidate
	seq := p.bus.Query(ctx, store.SignalFilter{Entity: subject, Type: p.sigType, Limit: 50})
	for ev, err := range seq {
		if err != nil {
			return nil, eris.Wrapf(err, "fusion: %s query", p.name)
		}
		if ev.Value == "" {
			continue
		}
		out = append(out, Candidate{
			Entity:     model.EntityRef{Kind: p.targetKind, ID: ev.Value},
			Confidence: ev.Confidence,
			Source:     ev.Source,
			Type:       ev.Type,
			EventID:    ev.ID,
			EmittedAt:  ev.EmittedAt,
		})
		if len(out) >= p.maxEvents {
			break
		}
	}
	return out, nil
}

// DefaultProducers wires the standard bus-backed producer set against
// organization candidates.
func DefaultProducers(b *bus.Bus) []Producer {
	return []Producer{
		NewSignalProducer("attendee", b, registry.TypeAttendeeMatch, model.KindOrganization, PriorityAttendee),
		NewSignalProducer("domain", b, registry.TypeDomainMatch, model.KindOrganization, PriorityAttendee),
		NewSignalProducer("pattern", b, registry.TypePatternMatch, model.KindOrganization, PriorityPattern),
		NewSignalProducer("keyword", b, registry.TypeKeywordMatch, model.KindOrganization, PriorityKeyword),
	}
}

// BusJunction builds a JunctionFunc over junction_link signals: an
// authoritative CRM link recorded on the bus. The newest link wins.
func BusJunction(b *bus.Bus, targetKind model.EntityKind) JunctionFunc {
	return func(ctx context.Context, subject model.EntityRef) (*model.EntityRef, error) {
		seq := b.Query(ctx, store.SignalFilter{Entity: subject, Type: registry.TypeJunctionLink, Limit: 1})
		for ev, err := range seq {
			if err != nil {
				return nil, eris.Wrap(err, "fusion: junction query")
			}
			if ev.Value == "" {
				continue
			}
			return &model.EntityRef{Kind: targetKind, ID: ev.Value}, nil
		}
		return nil, nil
	}
}

// Scored is one similarity hit from the embedding backend.
type Scored struct {
	Entity model.EntityRef
	Score  float64
}

// SimilarityFunc computes embedding similarity between a subject and known
// entities. Implementations live outside this process boundary and may be
// slow; the producer bounds and rate-limits them.
type SimilarityFunc func(ctx context.Context, subject model.EntityRef) ([]Scored, error)

// EmbeddingProducer adapts a SimilarityFunc. Calls are rate-limited and
// timeout-bound so a slow backend can never stall resolution or hold any
// lock.
type EmbeddingProducer struct {
	source  model.Source
	sim     SimilarityFunc
	limiter *rate.Limiter
	timeout time.Duration
}

// NewEmbeddingProducer builds the embedding producer. A zero timeout
// defaults to two seconds.
func NewEmbeddingProducer(source model.Source, sim SimilarityFunc, limiter *rate.Limiter, timeout time.Duration) *EmbeddingProducer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &EmbeddingProducer{source: source, sim: sim, limiter: limiter, timeout: timeout}
}

func (p *EmbeddingProducer) Name() string  { return "embedding" }
func (p *EmbeddingProducer) Priority() int { return PriorityEmbedding }

func (p *EmbeddingProducer) Candidates(ctx context.Context, subject model.EntityRef) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fusion: embedding rate limit")
		}
	}

	scored, err := p.sim(ctx, subject)
	if err != nil {
		return nil, eris.Wrap(err, "fusion: embedding similarity")
	}

	out := make([]Candidate, 0, len(scored))
	for _, s := range scored {
		if s.Score <= 0 {
			continue
		}
		out = append(out, Candidate{
			Entity:     s.Entity,
			Confidence: min(s.Score, 1),
			Source:     p.source,
			Type:       registry.TypeEmbeddingMatch,
		})
	}
	return out, nil
}
