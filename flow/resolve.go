package flow

// Runnable reports whether every subscribes token of decl is satisfied:
// an event token must be in emitted, a "step:<name>" token needs <name>
// in completed. A step with no subscriptions is always runnable.
func Runnable(decl StepDecl, emitted, completed map[string]struct{}) bool {
	for _, token := range decl.Subscribes {
		if step, ok := ParseStepToken(token); ok {
			if _, done := completed[step]; !done {
				return false
			}
			continue
		}
		if _, ok := emitted[token]; !ok {
			return false
		}
	}
	return true
}

// PendingSteps returns the non-entry steps that are runnable and not yet
// completed, in sorted order. Steps with no subscriptions are skipped:
// only the external start operation triggers them.
func PendingSteps(def *Definition, emitted, completed map[string]struct{}) []string {
	var out []string
	for _, name := range def.StepNames() {
		if name == def.EntryStep {
			continue
		}
		decl := def.Steps[name]
		if len(decl.Subscribes) == 0 {
			continue
		}
		if _, done := completed[name]; done {
			continue
		}
		if Runnable(decl, emitted, completed) {
			out = append(out, name)
		}
	}
	return out
}

// Consumers returns the steps other than step whose subscriptions depend
// on one of step's emits or on step itself.
func Consumers(def *Definition, step string) []string {
	decl, ok := def.Steps[step]
	if !ok {
		return nil
	}
	emits := Set(decl.Emits)
	self := StepToken(step)

	var out []string
	for _, name := range def.StepNames() {
		if name == step {
			continue
		}
		for _, token := range def.Steps[name].Subscribes {
			if _, ok := emits[token]; ok || token == self {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// Set builds a membership set from names.
func Set(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}
