package analyst

import (
	"strings"
	"testing"

	"github.com/llitpux/observer/internal/bus"
)

func TestValidatePlan(t *testing.T) {
	cases := []struct {
		name    string
		tasks   []bus.PlanTask
		wantErr string
	}{
		{
			name: "simple reply",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionReply},
			},
		},
		{
			name: "search feeding reply",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionSearchGraph, Args: map[string]any{"question": "коли?"}},
				{ID: 2, Action: ActionSearchWeb, Args: map[string]any{"query": "docker"}},
				{ID: 3, Action: ActionReply, DependsOn: []int{1, 2}},
			},
		},
		{
			name:    "empty plan",
			tasks:   nil,
			wantErr: "no tasks",
		},
		{
			name: "duplicate ids",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionSearchWeb},
				{ID: 1, Action: ActionReply},
			},
			wantErr: "duplicate",
		},
		{
			name: "unknown action",
			tasks: []bus.PlanTask{
				{ID: 1, Action: "launch_rocket"},
				{ID: 2, Action: ActionReply},
			},
			wantErr: "unknown action",
		},
		{
			name: "unknown dependency",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionReply, DependsOn: []int{99}},
			},
			wantErr: "unknown task",
		},
		{
			name: "self dependency",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionReply, DependsOn: []int{1}},
			},
			wantErr: "itself",
		},
		{
			name: "cycle",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionSearchGraph, DependsOn: []int{2}},
				{ID: 2, Action: ActionSearchWeb, DependsOn: []int{1}},
				{ID: 3, Action: ActionReply},
			},
			wantErr: "cycle",
		},
		{
			name: "no reply at all",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionSearchGraph},
			},
			wantErr: "no terminal reply",
		},
		{
			name: "reply is not a leaf",
			tasks: []bus.PlanTask{
				{ID: 1, Action: ActionReply},
				{ID: 2, Action: ActionRememberFact, DependsOn: []int{1}},
			},
			wantErr: "no terminal reply",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePlan(tc.tasks)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidatePlan: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("ValidatePlan = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestFallbackPlanIsValid(t *testing.T) {
	plan := FallbackPlan()
	if err := ValidatePlan(plan); err != nil {
		t.Fatalf("fallback plan invalid: %v", err)
	}
	if plan[0].Action != ActionReply || plan[0].Args["style"] != "apology" {
		t.Errorf("fallback plan = %+v", plan)
	}
}
