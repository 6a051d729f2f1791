package propagation

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/account-signals/internal/bus"
	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/registry"
)

// DefaultMaxDepth bounds cascade depth so a rule set can never propagate
// unboundedly, even when the entity graph is cyclic.
const DefaultMaxDepth = 3

// Tuning adjusts one rule without code changes.
type Tuning struct {
	Disabled bool     `yaml:"disabled"`
	Damping  *float64 `yaml:"damping,omitempty"`
}

// Config is the engine's YAML-tunable configuration.
type Config struct {
	MaxDepth int               `yaml:"max_depth"`
	Rules    map[string]Tuning `yaml:"rules"`
}

// LoadConfig reads engine tuning from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "propagation: read config %s", path)
	}
	var wrapper struct {
		Propagation Config `yaml:"propagation"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "propagation: parse config")
	}
	return &wrapper.Propagation, nil
}

// Engine evaluates propagation rules against each appended event. It
// implements bus.Cascader and runs entirely within the emitting unit of
// work.
type Engine struct {
	rules    []Rule
	maxDepth int
}

// NewEngine builds an Engine from a rule set and optional tuning.
func NewEngine(rules []Rule, cfg *Config) *Engine {
	maxDepth := DefaultMaxDepth
	if cfg != nil && cfg.MaxDepth > 0 {
		maxDepth = cfg.MaxDepth
	}

	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if cfg != nil {
			if t, ok := cfg.Rules[r.Name]; ok {
				if t.Disabled {
					continue
				}
				if t.Damping != nil {
					r.Transform = damped(*t.Damping)
				}
			}
		}
		active = append(active, r)
	}
	return &Engine{rules: active, maxDepth: maxDepth}
}

// Rules returns the active rule set.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// tripleKey identifies one (rule, source entity, target entity) derivation.
// A cascade never fires the same triple twice, which breaks propagation
// loops independent of the depth bound.
type tripleKey struct {
	rule   string
	source model.EntityRef
	target model.EntityRef
}

type pending struct {
	event model.SignalEvent
	depth int
}

// Cascade derives follow-on signals from base, breadth-first up to the
// configured max depth. Each rule is isolated: an erroring or panicking
// traverse/transform logs a warning and skips that rule, never the rest.
// Append failures abort the remaining cascade.
func (e *Engine) Cascade(ctx context.Context, base model.SignalEvent, appendFn bus.AppendFunc) error {
	visited := make(map[tripleKey]bool)
	queue := []pending{{event: base, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= e.maxDepth {
			zap.L().Warn("propagation: max depth reached",
				zap.String("event", cur.event.ID),
				zap.Int("max_depth", e.maxDepth),
			)
			continue
		}

		for _, rule := range e.rules {
			if rule.Trigger != cur.event.Type {
				continue
			}

			derived, err := e.applyRule(ctx, rule, cur.event, visited, appendFn)
			if err != nil {
				return err
			}
			for _, ev := range derived {
				queue = append(queue, pending{event: ev, depth: cur.depth + 1})
			}
		}
	}
	return nil
}

// applyRule runs one rule against one event. Rule failures (errors or
// panics in Traverse/Transform) are contained here; only append errors
// escape.
func (e *Engine) applyRule(ctx context.Context, rule Rule, event model.SignalEvent, visited map[tripleKey]bool, appendFn bus.AppendFunc) (derived []model.SignalEvent, appendErr error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("propagation: rule panicked, skipping",
				zap.String("rule", rule.Name),
				zap.String("event", event.ID),
				zap.Any("panic", r),
			)
			if appendErr == nil {
				derived = nil
			}
		}
	}()

	targets, err := rule.Traverse(ctx, event.Entity)
	if err != nil {
		zap.L().Warn("propagation: rule traversal failed, skipping",
			zap.String("rule", rule.Name),
			zap.String("event", event.ID),
			zap.Error(err),
		)
		return nil, nil
	}

	for _, target := range targets {
		key := tripleKey{rule: rule.Name, source: event.Entity, target: target}
		if visited[key] {
			continue
		}
		visited[key] = true

		value, confidence, ok := rule.Transform(event.Value, event.Confidence)
		if !ok {
			continue
		}

		ev, err := appendFn(ctx, model.SignalDraft{
			Entity:      target,
			Type:        rule.Derived,
			Source:      registry.SourcePropagation,
			Value:       value,
			Confidence:  confidence,
			DerivedFrom: event.ID,
			RuleName:    rule.Name,
			SourceContext: map[string]any{
				"trigger": string(event.Type),
				"source":  event.Entity.String(),
			},
		})
		if err != nil {
			var ve *model.ValidationError
			if errors.As(err, &ve) {
				// A rule producing an invalid draft is a rule defect, not
				// an emission failure.
				zap.L().Warn("propagation: rule produced invalid draft, skipping",
					zap.String("rule", rule.Name),
					zap.Error(err),
				)
				continue
			}
			return derived, eris.Wrap(err, fmt.Sprintf("propagation: append derived for rule %s", rule.Name))
		}
		derived = append(derived, *ev)
	}
	return derived, nil
}
