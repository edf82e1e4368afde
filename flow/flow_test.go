package flow_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/flow"
)

func checkoutFlow() *flow.Definition {
	return &flow.Definition{
		Name:      "checkout",
		EntryStep: "A",
		Steps: map[string]flow.StepDecl{
			"A": {Emits: []string{"A.done"}},
			"B": {Subscribes: []string{"A.done"}, Emits: []string{"B.done"}},
			"C": {Subscribes: []string{"A.done", "step:B"}},
		},
	}
}

func TestRunnable_DependencySatisfaction(t *testing.T) {
	decl := flow.StepDecl{Subscribes: []string{"A.done", "step:B"}}

	tests := []struct {
		name      string
		emitted   []string
		completed []string
		want      bool
	}{
		{"nothing", nil, nil, false},
		{"event only", []string{"A.done"}, nil, false},
		{"step only", nil, []string{"B"}, false},
		{"event named like step", []string{"A.done", "B"}, nil, false},
		{"both", []string{"A.done"}, []string{"B"}, true},
		{"extra", []string{"A.done", "X"}, []string{"B", "A"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := flow.Runnable(decl, flow.Set(tt.emitted), flow.Set(tt.completed))
			if got != tt.want {
				t.Errorf("Runnable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunnable_EmptySubscribesAlwaysRunnable(t *testing.T) {
	if !flow.Runnable(flow.StepDecl{}, nil, nil) {
		t.Error("step without subscriptions should be runnable")
	}
}

func TestPendingSteps(t *testing.T) {
	def := checkoutFlow()

	got := flow.PendingSteps(def, flow.Set([]string{"A.done"}), flow.Set([]string{"A"}))
	if !slices.Equal(got, []string{"B"}) {
		t.Errorf("PendingSteps = %v, want [B]", got)
	}

	got = flow.PendingSteps(def, flow.Set([]string{"A.done", "B.done"}), flow.Set([]string{"A", "B"}))
	if !slices.Equal(got, []string{"C"}) {
		t.Errorf("PendingSteps = %v, want [C] (completed steps excluded)", got)
	}

	got = flow.PendingSteps(def, nil, nil)
	if len(got) != 0 {
		t.Errorf("PendingSteps = %v, entry must never be returned", got)
	}
}

func TestConsumers(t *testing.T) {
	def := checkoutFlow()
	if got := flow.Consumers(def, "A"); !slices.Equal(got, []string{"B", "C"}) {
		t.Errorf("Consumers(A) = %v, want [B C]", got)
	}
	if got := flow.Consumers(def, "B"); !slices.Equal(got, []string{"C"}) {
		t.Errorf("Consumers(B) = %v, want [C]", got)
	}
	if got := flow.Consumers(def, "C"); len(got) != 0 {
		t.Errorf("Consumers(C) = %v, want none", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*flow.Definition)
		ok     bool
	}{
		{"valid", func(*flow.Definition) {}, true},
		{"missing entry", func(d *flow.Definition) { d.EntryStep = "Z" }, false},
		{"entry subscribes", func(d *flow.Definition) {
			d.Steps["A"] = flow.StepDecl{Subscribes: []string{"B.done"}, Emits: []string{"A.done"}}
		}, false},
		{"unknown step token", func(d *flow.Definition) {
			d.Steps["C"] = flow.StepDecl{Subscribes: []string{"step:Q"}}
		}, false},
		{"event nobody emits", func(d *flow.Definition) {
			d.Steps["C"] = flow.StepDecl{Subscribes: []string{"nope"}}
		}, false},
		{"cycle", func(d *flow.Definition) {
			d.Steps["B"] = flow.StepDecl{Subscribes: []string{"A.done", "C.done"}, Emits: []string{"B.done"}}
			d.Steps["C"] = flow.StepDecl{Subscribes: []string{"step:B"}, Emits: []string{"C.done"}}
		}, false},
		{"bad await", func(d *flow.Definition) {
			d.Steps["B"] = flow.StepDecl{
				Subscribes:  []string{"A.done"},
				AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitEvent},
			}
		}, false},
		{"bad cron", func(d *flow.Definition) {
			d.Steps["B"] = flow.StepDecl{
				Subscribes:  []string{"A.done"},
				Emits:       []string{"B.done"},
				AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitSchedule, Cron: "61 * * * *"},
			}
		}, false},
		{"good await", func(d *flow.Definition) {
			d.Steps["B"] = flow.StepDecl{
				Subscribes:  []string{"A.done"},
				Emits:       []string{"B.done"},
				AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitTime, Delay: time.Second, Timeout: time.Minute},
			}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := checkoutFlow()
			tt.mutate(def)
			err := flow.Validate(def)
			if tt.ok && err != nil {
				t.Fatalf("Validate: unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate: expected error")
				}
				if !errors.Is(err, cascade.ErrInvalidFlow) {
					t.Errorf("error %v does not wrap ErrInvalidFlow", err)
				}
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := flow.NewRegistry()
	if err := r.Register(checkoutFlow()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(checkoutFlow()); !errors.Is(err, cascade.ErrDuplicateFlow) {
		t.Errorf("second Register: got %v, want ErrDuplicateFlow", err)
	}

	def, err := r.Lookup("checkout")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if def.ID != "checkout" {
		t.Errorf("ID defaulted to %q, want checkout", def.ID)
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, cascade.ErrFlowNotFound) {
		t.Errorf("Lookup(missing): got %v, want ErrFlowNotFound", err)
	}
	if names := r.Names(); !slices.Equal(names, []string{"checkout"}) {
		t.Errorf("Names = %v", names)
	}
}

func TestCompile(t *testing.T) {
	defs, err := flow.Compile([]flow.StepConfig{
		{Step: "hello", Flows: []string{"welcome", "onboarding"}, Role: flow.RoleEntry, Emits: []string{"hello.done"}},
		{Step: "mail", Queue: "email", Flows: []string{"welcome"}, Subscribes: []string{"hello.done"}},
		{Step: "profile", Flows: []string{"onboarding"}, Subscribes: []string{"step:hello"}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
	onboarding, welcome := defs[0], defs[1]
	if welcome.Name != "welcome" || welcome.EntryStep != "hello" {
		t.Errorf("welcome = %+v", welcome)
	}
	if q := welcome.Steps["hello"].Queue; q != "hello" {
		t.Errorf("queue default = %q, want step name", q)
	}
	if q := welcome.Steps["mail"].Queue; q != "email" {
		t.Errorf("queue = %q, want email", q)
	}
	if _, ok := onboarding.Steps["profile"]; !ok {
		t.Error("onboarding is missing profile")
	}
	for _, def := range defs {
		if err := flow.Validate(def); err != nil {
			t.Errorf("Validate(%s): %v", def.Name, err)
		}
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		configs []flow.StepConfig
	}{
		{"no entry", []flow.StepConfig{{Step: "a", Flows: []string{"f"}}}},
		{"two entries", []flow.StepConfig{
			{Step: "a", Flows: []string{"f"}, Role: flow.RoleEntry},
			{Step: "b", Flows: []string{"f"}, Role: flow.RoleEntry},
		}},
		{"no flows", []flow.StepConfig{{Step: "a", Role: flow.RoleEntry}}},
		{"no name", []flow.StepConfig{{Flows: []string{"f"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := flow.Compile(tt.configs); !errors.Is(err, cascade.ErrInvalidFlow) {
				t.Errorf("Compile: got %v, want ErrInvalidFlow", err)
			}
		})
	}
}
