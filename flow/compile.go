package flow

import (
	"fmt"
	"slices"

	"github.com/xraph/cascade"
)

// Role marks whether a step config starts its flows.
type Role string

const (
	RoleEntry Role = "entry"
	RoleStep  Role = "step"
)

// StepConfig is the per-step declaration a step module exports. One step
// may take part in several flows.
type StepConfig struct {
	Step        string       `json:"step" mapstructure:"step"`
	Queue       string       `json:"queue,omitempty" mapstructure:"queue"`
	Flows       []string     `json:"flows" mapstructure:"flows"`
	Role        Role         `json:"role,omitempty" mapstructure:"role"`
	Subscribes  []string     `json:"subscribes,omitempty" mapstructure:"subscribes"`
	Emits       []string     `json:"emits,omitempty" mapstructure:"emits"`
	AwaitBefore *AwaitConfig `json:"awaitBefore,omitempty" mapstructure:"await_before"`
	AwaitAfter  *AwaitConfig `json:"awaitAfter,omitempty" mapstructure:"await_after"`
	MaxRetries  *int         `json:"maxRetries,omitempty" mapstructure:"max_retries"`
}

// Compile groups step configs into flow definitions. The queue defaults
// to the step name. Each flow needs exactly one entry step. The returned
// definitions are not validated; register them to validate.
func Compile(configs []StepConfig) ([]*Definition, error) {
	defs := make(map[string]*Definition)
	for _, cfg := range configs {
		if cfg.Step == "" {
			return nil, fmt.Errorf("%w: step config without a step name", cascade.ErrInvalidFlow)
		}
		if len(cfg.Flows) == 0 {
			return nil, fmt.Errorf("%w: step %q belongs to no flow", cascade.ErrInvalidFlow, cfg.Step)
		}
		queue := cfg.Queue
		if queue == "" {
			queue = cfg.Step
		}
		decl := StepDecl{
			Subscribes:  slices.Clone(cfg.Subscribes),
			Emits:       slices.Clone(cfg.Emits),
			AwaitBefore: cfg.AwaitBefore,
			AwaitAfter:  cfg.AwaitAfter,
			Queue:       queue,
			MaxRetries:  cfg.MaxRetries,
		}

		for _, name := range cfg.Flows {
			def, ok := defs[name]
			if !ok {
				def = &Definition{ID: name, Name: name, Steps: make(map[string]StepDecl)}
				defs[name] = def
			}
			if _, dup := def.Steps[cfg.Step]; dup {
				return nil, fmt.Errorf("%w: flow %q declares step %q twice", cascade.ErrInvalidFlow, name, cfg.Step)
			}
			def.Steps[cfg.Step] = decl
			if cfg.Role == RoleEntry {
				if def.EntryStep != "" {
					return nil, fmt.Errorf("%w: flow %q has entry steps %q and %q",
						cascade.ErrInvalidFlow, name, def.EntryStep, cfg.Step)
				}
				def.EntryStep = cfg.Step
			}
		}
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]*Definition, 0, len(defs))
	for _, name := range names {
		if defs[name].EntryStep == "" {
			return nil, fmt.Errorf("%w: flow %q has no entry step", cascade.ErrInvalidFlow, name)
		}
		out = append(out, defs[name])
	}
	return out, nil
}
