package workflow_test

import (
	"errors"
	"testing"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/workflow"
)

func litReview() *workflow.Template {
	return &workflow.Template{
		ID: "lit-review",
		Steps: []workflow.StepDef{
			{ID: "search", AgentID: "searcher", EstimatedCost: 0.5},
			{ID: "synthesize", AgentID: "writer", EstimatedCost: 2.0, DirectionCheck: true},
			{ID: "critique", AgentID: "critic", EstimatedCost: 1.0, Optional: true},
		},
	}
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    *workflow.Template
		wantErr bool
	}{
		{"valid", litReview(), false},
		{"empty id", &workflow.Template{Steps: []workflow.StepDef{{ID: "a", AgentID: "x"}}}, true},
		{"no steps", &workflow.Template{ID: "empty"}, true},
		{
			"duplicate step",
			&workflow.Template{ID: "dup", Steps: []workflow.StepDef{
				{ID: "a", AgentID: "x"}, {ID: "a", AgentID: "y"},
			}},
			true,
		},
		{
			"missing agent",
			&workflow.Template{ID: "noagent", Steps: []workflow.StepDef{{ID: "a"}}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tmpl.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTemplateLookups(t *testing.T) {
	tmpl := litReview()

	if idx := tmpl.StepIndex("synthesize"); idx != 1 {
		t.Errorf("StepIndex(synthesize) = %d, want 1", idx)
	}
	if idx := tmpl.StepIndex("nope"); idx != -1 {
		t.Errorf("StepIndex(nope) = %d, want -1", idx)
	}

	step, ok := tmpl.Step("critique")
	if !ok {
		t.Fatal("Step(critique) not found")
	}
	if !step.Optional {
		t.Error("critique should be optional")
	}
}

func TestRegistry(t *testing.T) {
	r := workflow.NewRegistry()

	if err := r.Register(litReview()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := r.Get("lit-review")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Steps) != 3 {
		t.Errorf("len(Steps) = %d, want 3", len(got.Steps))
	}

	if _, err := r.Get("missing"); !errors.Is(err, loom.ErrTemplateNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrTemplateNotFound", err)
	}

	if err := r.Register(&workflow.Template{ID: "bad"}); err == nil {
		t.Error("registering an invalid template should fail")
	}
}
