package gate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestTimerGate(t *testing.T) {
	past := EvaluateMetadata(element.Metadata{KeyGateType: "timer", KeyWaitUntil: now.Add(-time.Hour)}, now)
	if !past.Satisfied {
		t.Fatalf("expected elapsed timer to be satisfied: %+v", past)
	}
	exact := EvaluateMetadata(element.Metadata{KeyGateType: "timer", KeyWaitUntil: now}, now)
	if !exact.Satisfied {
		t.Fatalf("expected timer at now to be satisfied")
	}
	future := EvaluateMetadata(element.Metadata{KeyGateType: "timer", KeyWaitUntil: now.Add(time.Hour).Format(time.RFC3339)}, now)
	if future.Satisfied {
		t.Fatalf("expected future timer to be unsatisfied")
	}
	if !strings.Contains(future.Reason, "gate") {
		t.Fatalf("reason should mention gate: %q", future.Reason)
	}
	if future.RecheckAt == nil || !future.RecheckAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected recheck at wait time, got %v", future.RecheckAt)
	}
}

func TestApprovalGateCountsOnlyRequiredApprovers(t *testing.T) {
	cases := []struct {
		name   string
		meta   element.Metadata
		want   bool
		count  int
		needed int
	}{
		{
			name:   "all required",
			meta:   element.Metadata{KeyGateType: "approval", KeyRequiredApprovers: []string{"ana", "bo"}, KeyCurrentApprovers: []string{"ana", "bo"}},
			want:   true,
			count:  2,
			needed: 2,
		},
		{
			name:   "outsider ignored",
			meta:   element.Metadata{KeyGateType: "approval", KeyRequiredApprovers: []string{"ana", "bo"}, KeyCurrentApprovers: []string{"ana", "zed"}},
			want:   false,
			count:  1,
			needed: 2,
		},
		{
			name:   "explicit threshold",
			meta:   element.Metadata{KeyGateType: "approval", KeyRequiredApprovers: []string{"ana", "bo", "cy"}, KeyCurrentApprovers: []string{"cy"}, KeyApprovalCount: 1},
			want:   true,
			count:  1,
			needed: 1,
		},
		{
			name:   "duplicates count once",
			meta:   element.Metadata{KeyGateType: "approval", KeyRequiredApprovers: []string{"ana", "bo"}, KeyCurrentApprovers: []string{"ana", "ana"}},
			want:   false,
			count:  1,
			needed: 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := Decode(tc.meta)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			approval := g.(Approval)
			if approval.Count() != tc.count || approval.Threshold() != tc.needed {
				t.Fatalf("count %d/%d, want %d/%d", approval.Count(), approval.Threshold(), tc.count, tc.needed)
			}
			if got := Evaluate(g, now).Satisfied; got != tc.want {
				t.Fatalf("satisfied = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExternalGateNeedsExplicitSatisfaction(t *testing.T) {
	meta := element.Metadata{KeyGateType: "external", KeyExternalSystem: "github", KeyExternalID: "pr-42"}
	verdict := EvaluateMetadata(meta, now.Add(24*365*time.Hour))
	if verdict.Satisfied {
		t.Fatalf("external gate must not expire")
	}
	if !strings.Contains(verdict.Reason, "github pr-42") {
		t.Fatalf("unexpected reason %q", verdict.Reason)
	}
	meta[KeySatisfied] = true
	if !EvaluateMetadata(meta, now).Satisfied {
		t.Fatalf("expected satisfied external gate")
	}
}

func TestManualOverrideSatisfiesAnyKind(t *testing.T) {
	meta := element.Metadata{
		KeyGateType:    "timer",
		KeyWaitUntil:   now.Add(time.Hour),
		KeySatisfied:   true,
		KeySatisfiedBy: "ops",
	}
	verdict := EvaluateMetadata(meta, now)
	if !verdict.Satisfied || !strings.Contains(verdict.Reason, "ops") {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestDecodeRejectsMalformedMetadata(t *testing.T) {
	bad := []element.Metadata{
		nil,
		{KeyGateType: "timer"},
		{KeyGateType: "timer", KeyWaitUntil: "tomorrow"},
		{KeyGateType: "approval"},
		{KeyGateType: "approval", KeyRequiredApprovers: []string{"ana"}, KeyApprovalCount: 0},
		{KeyGateType: "sundial"},
		{KeyExternalSystem: "github"},
	}
	for i, meta := range bad {
		if _, err := Decode(meta); !element.IsConstraint(err) {
			t.Fatalf("case %d: expected constraint error, got %v", i, err)
		}
		if EvaluateMetadata(meta, now).Satisfied {
			t.Fatalf("case %d: malformed gate should not be satisfied", i)
		}
	}
}

func TestDecodeAcceptsJSONDecodedMetadata(t *testing.T) {
	raw := `{"gateType":"approval","requiredApprovers":["ana","bo"],"currentApprovers":["bo"],"approvalCount":1,"note":"keep"}`
	var meta element.Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	g, err := Decode(meta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !Evaluate(g, now).Satisfied {
		t.Fatalf("expected satisfied approval gate")
	}
}

func TestMergeKeepsForeignKeysAndDropsStaleOnes(t *testing.T) {
	meta := element.Metadata{
		KeyGateType:          "approval",
		KeyRequiredApprovers: []string{"ana"},
		KeyCurrentApprovers:  []string{"ana"},
		"note":               "keep",
	}
	g, err := Decode(meta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	approval, changed := g.(Approval).WithoutApprover("ana")
	if !changed {
		t.Fatalf("expected approver removal to change the gate")
	}
	merged := Merge(meta, approval)
	if merged["note"] != "keep" {
		t.Fatalf("foreign key dropped: %+v", merged)
	}
	if _, ok := merged[KeyCurrentApprovers]; ok {
		t.Fatalf("stale approvers kept: %+v", merged)
	}
	again, err := Decode(merged)
	if err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if Evaluate(again, now).Satisfied {
		t.Fatalf("expected unsatisfied gate after removal")
	}
}

func TestApproverMutationsAreIdempotent(t *testing.T) {
	g := Approval{RequiredApprovers: []string{"ana"}}
	g, changed := g.WithApprover("ana")
	if !changed {
		t.Fatalf("first approval should change the gate")
	}
	if _, changed := g.WithApprover("ana"); changed {
		t.Fatalf("repeat approval should be a no-op")
	}
	if _, changed := g.WithoutApprover("bo"); changed {
		t.Fatalf("removing an absent approver should be a no-op")
	}
}
