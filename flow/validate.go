package flow

import (
	"errors"
	"fmt"

	"github.com/xraph/cascade"
)

// Validate checks a definition before it is used by the resolver:
// entry step present with no subscriptions, step tokens referencing known
// steps, every subscribed event emitted by some step, await configs well
// formed, and no dependency cycles.
func Validate(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("%w: missing name", cascade.ErrInvalidFlow)
	}
	entry, ok := def.Steps[def.EntryStep]
	if !ok {
		return fmt.Errorf("%w: %s: entry step %q not declared", cascade.ErrInvalidFlow, def.Name, def.EntryStep)
	}
	if len(entry.Subscribes) > 0 {
		return fmt.Errorf("%w: %s: entry step %q must not subscribe", cascade.ErrInvalidFlow, def.Name, def.EntryStep)
	}

	emitters := make(map[string][]string)
	for _, name := range def.StepNames() {
		for _, e := range def.Steps[name].Emits {
			emitters[e] = append(emitters[e], name)
		}
	}

	var errs []error
	for _, name := range def.StepNames() {
		decl := def.Steps[name]
		for _, token := range decl.Subscribes {
			if step, ok := ParseStepToken(token); ok {
				if _, known := def.Steps[step]; !known {
					errs = append(errs, fmt.Errorf("step %q subscribes to unknown step %q", name, step))
				}
				continue
			}
			if len(emitters[token]) == 0 {
				errs = append(errs, fmt.Errorf("step %q subscribes to %q which no step emits", name, token))
			}
		}
		for _, pos := range []Position{Before, After} {
			if cfg := decl.Await(pos); cfg != nil {
				if err := cfg.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("step %q await %s: %w", name, pos, err))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", cascade.ErrInvalidFlow, def.Name, errors.Join(errs...))
	}

	if cycle := findCycle(def, emitters); cycle != nil {
		return fmt.Errorf("%w: %s: dependency cycle %v", cascade.ErrInvalidFlow, def.Name, cycle)
	}
	return nil
}

// findCycle walks the "depends on" graph depth first and returns the
// first cycle found.
func findCycle(def *Definition, emitters map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(def.Steps))
	var stack []string
	var found []string

	var visit func(string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		for _, dep := range upstream(def.Steps[name], emitters) {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						found = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range def.StepNames() {
		if color[name] == white && visit(name) {
			return found
		}
	}
	return nil
}

func upstream(decl StepDecl, emitters map[string][]string) []string {
	var out []string
	for _, token := range decl.Subscribes {
		if step, ok := ParseStepToken(token); ok {
			out = append(out, step)
			continue
		}
		out = append(out, emitters[token]...)
	}
	return out
}
