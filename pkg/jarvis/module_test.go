package jarvis

import (
	"strings"
	"testing"
)

func TestModuleSpecValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		spec          ModuleSpec
		wantErrSubstr string
	}{
		{
			name: "valid spec",
			spec: ModuleSpec{
				Priority:     10,
				Requirements: []string{"exec:git"},
				Commands: []CommandSpec{
					{Action: "status", Handler: noopHandler},
					{Action: "log", Handler: noopHandler},
				},
			},
		},
		{
			name: "duplicate command action",
			spec: ModuleSpec{
				Commands: []CommandSpec{
					{Action: "status", Handler: noopHandler},
					{Action: "status", Handler: noopHandler},
				},
			},
			wantErrSubstr: "duplicate command action",
		},
		{
			name: "malformed requirement",
			spec: ModuleSpec{
				Requirements: []string{"import:psutil"},
			},
			wantErrSubstr: "unsupported probe",
		},
		{
			name: "unsupported policy",
			spec: ModuleSpec{
				Policy: RequirementPolicy("optimistic"),
			},
			wantErrSubstr: "unsupported policy",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.spec.Validate()
			if testCase.wantErrSubstr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", testCase.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), testCase.wantErrSubstr) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstr)
			}
		})
	}
}

func TestModuleSpecEffectivePolicy(t *testing.T) {
	t.Parallel()

	if got := (ModuleSpec{}).EffectivePolicy(); got != PolicyDegradable {
		t.Fatalf("default policy = %q, want %q", got, PolicyDegradable)
	}
	if got := (ModuleSpec{Policy: PolicyAllOrNothing}).EffectivePolicy(); got != PolicyAllOrNothing {
		t.Fatalf("policy = %q, want %q", got, PolicyAllOrNothing)
	}
}

func TestModuleStateValidate(t *testing.T) {
	t.Parallel()

	for _, state := range []ModuleState{
		StateUnloaded, StateReady, StateSafeMode, StatePaused, StateFailed, StateDisabled,
	} {
		if err := state.Validate(); err != nil {
			t.Fatalf("state %q: unexpected error: %v", state, err)
		}
	}

	if err := ModuleState("sleeping").Validate(); err == nil {
		t.Fatal("expected error for unsupported state")
	}
}
