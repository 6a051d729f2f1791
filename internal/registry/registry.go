// Package registry holds the closed, versioned signal-type registry. Every
// emit is validated against it, and startup wiring checks catch propagation
// triggers or callout allowlist entries that nothing can ever emit.
package registry

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/account-signals/internal/model"
)

// TypeDef describes one registered signal type.
type TypeDef struct {
	Name     model.SignalType `yaml:"name"`
	Version  int              `yaml:"version"`
	HalfLife time.Duration    `yaml:"half_life"`
	// Emitters lists the producers declared to emit this type. A type with
	// no emitters is unreachable and fails the wiring check when a rule or
	// callout depends on it.
	Emitters []model.Source `yaml:"emitters"`
	// DerivedOnly marks types that only propagation rules may emit.
	DerivedOnly bool `yaml:"derived_only,omitempty"`
}

// Registry indexes signal-type definitions by name.
type Registry struct {
	types map[model.SignalType]TypeDef
}

// New builds a Registry from definitions. Duplicate names are an error.
func New(defs []TypeDef) (*Registry, error) {
	types := make(map[model.SignalType]TypeDef, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, eris.New("registry: type with empty name")
		}
		if _, dup := types[d.Name]; dup {
			return nil, eris.Errorf("registry: duplicate type %q", d.Name)
		}
		if d.Version <= 0 {
			d.Version = 1
		}
		types[d.Name] = d
	}
	return &Registry{types: types}, nil
}

// Load reads type definitions from a YAML file and merges them over the
// compiled-in defaults. File entries replace defaults with the same name.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	var wrapper struct {
		Signals []TypeDef `yaml:"signals"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "registry: parse")
	}

	merged := Defaults()
	byName := make(map[model.SignalType]int, len(merged))
	for i, d := range merged {
		byName[d.Name] = i
	}
	for _, d := range wrapper.Signals {
		if i, ok := byName[d.Name]; ok {
			merged[i] = d
			continue
		}
		merged = append(merged, d)
	}
	return New(merged)
}

// Lookup returns the definition for a type.
func (r *Registry) Lookup(t model.SignalType) (TypeDef, bool) {
	d, ok := r.types[t]
	return d, ok
}

// HalfLife returns the configured half-life for a type, or fallback when the
// type declares none.
func (r *Registry) HalfLife(t model.SignalType, fallback time.Duration) time.Duration {
	if d, ok := r.types[t]; ok && d.HalfLife > 0 {
		return d.HalfLife
	}
	return fallback
}

// Validate checks a draft against the registry. Unknown types, and derived
// markers on non-derived types, are validation errors.
func (r *Registry) Validate(d model.SignalDraft) error {
	if err := model.ValidateDraft(d); err != nil {
		return err
	}
	def, ok := r.types[d.Type]
	if !ok {
		return model.NewValidationError("signal_type", "%q not in registry", d.Type)
	}
	if def.DerivedOnly && d.RuleName == "" {
		return model.NewValidationError("signal_type", "%q may only be emitted by propagation rules", d.Type)
	}
	if d.TypeVersion != 0 && d.TypeVersion != def.Version {
		return model.NewValidationError("type_version", "%q is at version %d, draft pinned %d", d.Type, def.Version, d.TypeVersion)
	}
	return nil
}

// VerifyWiring confirms every propagation trigger and callout allowlist
// entry names a registered type with at least one declared emitter, so
// unreachable rules and callouts fail at startup instead of never firing.
func (r *Registry) VerifyWiring(triggers, allowlist []model.SignalType) error {
	check := func(role string, t model.SignalType) error {
		def, ok := r.types[t]
		if !ok {
			return eris.Errorf("registry: %s references unregistered type %q", role, t)
		}
		if len(def.Emitters) == 0 && !def.DerivedOnly {
			return eris.Errorf("registry: %s references type %q with no emitters", role, t)
		}
		return nil
	}
	for _, t := range triggers {
		if err := check("propagation trigger", t); err != nil {
			return err
		}
	}
	for _, t := range allowlist {
		if err := check("callout allowlist", t); err != nil {
			return err
		}
	}
	zap.L().Debug("registry: wiring verified",
		zap.Int("triggers", len(triggers)),
		zap.Int("allowlist", len(allowlist)),
	)
	return nil
}

// Types returns every registered type name.
func (r *Registry) Types() []model.SignalType {
	out := make([]model.SignalType, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}
