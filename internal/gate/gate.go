// Package gate interprets the metadata carried by AWAITS edges.
//
// A gate is one of three shapes (Timer, Approval, External) decoded from the
// edge metadata at the boundary. Any gate may also carry a manual
// satisfaction record, which wins over the kind-specific rule.
package gate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
)

// Kind names a gate variant; it is stored under the gateType metadata key.
type Kind string

const (
	KindTimer    Kind = "timer"
	KindApproval Kind = "approval"
	KindExternal Kind = "external"
)

// Metadata keys owned by gates. Other keys on an AWAITS edge are preserved.
const (
	KeyGateType          = "gateType"
	KeyWaitUntil         = "waitUntil"
	KeyRequiredApprovers = "requiredApprovers"
	KeyCurrentApprovers  = "currentApprovers"
	KeyApprovalCount     = "approvalCount"
	KeyExternalSystem    = "externalSystem"
	KeyExternalID        = "externalId"
	KeySatisfied         = "satisfied"
	KeySatisfiedAt       = "satisfiedAt"
	KeySatisfiedBy       = "satisfiedBy"
)

var gateKeys = []string{
	KeyGateType, KeyWaitUntil, KeyRequiredApprovers, KeyCurrentApprovers, KeyApprovalCount,
	KeyExternalSystem, KeyExternalID, KeySatisfied, KeySatisfiedAt, KeySatisfiedBy,
}

// Gate is the closed set of gate variants.
type Gate interface {
	Kind() Kind
	Manual() Override
	check(now time.Time) Verdict
}

// Override records an explicit satisfaction.
type Override struct {
	Satisfied   bool
	SatisfiedAt *time.Time
	SatisfiedBy string
}

// Manual returns the override record.
func (o Override) Manual() Override { return o }

// Timer opens at WaitUntil.
type Timer struct {
	WaitUntil time.Time
	Override
}

// Approval opens once enough required approvers have signed off.
type Approval struct {
	RequiredApprovers []string
	CurrentApprovers  []string
	// ApprovalCount overrides the threshold; nil means every required approver.
	ApprovalCount *int
	Override
}

// External opens only when something outside the engine says so.
type External struct {
	System string
	ID     string
	Override
}

func (Timer) Kind() Kind    { return KindTimer }
func (Approval) Kind() Kind { return KindApproval }
func (External) Kind() Kind { return KindExternal }

// Verdict is the result of evaluating a gate.
type Verdict struct {
	Satisfied bool
	Reason    string
	// RecheckAt is set when an unsatisfied verdict will flip on its own.
	RecheckAt *time.Time
}

func (g Timer) check(now time.Time) Verdict {
	if !now.Before(g.WaitUntil) {
		return Verdict{Satisfied: true, Reason: "timer gate elapsed"}
	}
	at := g.WaitUntil
	return Verdict{
		Reason:    fmt.Sprintf("timer gate waiting until %s", g.WaitUntil.UTC().Format(time.RFC3339)),
		RecheckAt: &at,
	}
}

func (g Approval) check(time.Time) Verdict {
	have, need := g.Count(), g.Threshold()
	if have >= need {
		return Verdict{Satisfied: true, Reason: fmt.Sprintf("approval gate has %d of %d approvals", have, need)}
	}
	return Verdict{Reason: fmt.Sprintf("approval gate has %d of %d approvals", have, need)}
}

func (g External) check(time.Time) Verdict {
	target := g.System
	if g.ID != "" {
		target = strings.TrimSpace(target + " " + g.ID)
	}
	if target == "" {
		return Verdict{Reason: "external gate not satisfied"}
	}
	return Verdict{Reason: fmt.Sprintf("external gate waiting on %s", target)}
}

// Threshold is the number of required approvals needed.
func (g Approval) Threshold() int {
	if g.ApprovalCount != nil {
		return *g.ApprovalCount
	}
	return len(g.RequiredApprovers)
}

// Count returns how many distinct required approvers have approved.
func (g Approval) Count() int {
	required := make(map[string]struct{}, len(g.RequiredApprovers))
	for _, r := range g.RequiredApprovers {
		required[r] = struct{}{}
	}
	counted := make(map[string]struct{}, len(g.CurrentApprovers))
	for _, a := range g.CurrentApprovers {
		if _, ok := required[a]; ok {
			counted[a] = struct{}{}
		}
	}
	return len(counted)
}

// WithApprover returns the gate with approver recorded and whether anything
// changed.
func (g Approval) WithApprover(approver string) (Approval, bool) {
	for _, a := range g.CurrentApprovers {
		if a == approver {
			return g, false
		}
	}
	out := g
	out.CurrentApprovers = append(append([]string(nil), g.CurrentApprovers...), approver)
	return out, true
}

// WithoutApprover returns the gate with approver removed and whether anything
// changed.
func (g Approval) WithoutApprover(approver string) (Approval, bool) {
	out := g
	out.CurrentApprovers = nil
	changed := false
	for _, a := range g.CurrentApprovers {
		if a == approver {
			changed = true
			continue
		}
		out.CurrentApprovers = append(out.CurrentApprovers, a)
	}
	if !changed {
		return g, false
	}
	return out, true
}

// Evaluate decides whether g is open at now.
func Evaluate(g Gate, now time.Time) Verdict {
	if manual := g.Manual(); manual.Satisfied {
		reason := fmt.Sprintf("%s gate satisfied manually", g.Kind())
		if manual.SatisfiedBy != "" {
			reason += " by " + manual.SatisfiedBy
		}
		return Verdict{Satisfied: true, Reason: reason}
	}
	return g.check(now)
}

// EvaluateMetadata decodes and evaluates raw AWAITS metadata. Metadata that
// does not decode is unsatisfied unless it carries satisfied=true.
func EvaluateMetadata(meta element.Metadata, now time.Time) Verdict {
	g, err := Decode(meta)
	if err != nil {
		if v, ok := meta[KeySatisfied].(bool); ok && v {
			return Verdict{Satisfied: true, Reason: "gate satisfied manually"}
		}
		return Verdict{Reason: fmt.Sprintf("gate metadata invalid: %v", err)}
	}
	return Evaluate(g, now)
}

type wire struct {
	GateType          Kind       `json:"gateType"`
	WaitUntil         *time.Time `json:"waitUntil,omitempty"`
	RequiredApprovers []string   `json:"requiredApprovers,omitempty"`
	CurrentApprovers  []string   `json:"currentApprovers,omitempty"`
	ApprovalCount     *int       `json:"approvalCount,omitempty"`
	ExternalSystem    string     `json:"externalSystem,omitempty"`
	ExternalID        string     `json:"externalId,omitempty"`
	Satisfied         bool       `json:"satisfied,omitempty"`
	SatisfiedAt       *time.Time `json:"satisfiedAt,omitempty"`
	SatisfiedBy       string     `json:"satisfiedBy,omitempty"`
}

// Decode reads a gate from AWAITS metadata. Errors wrap element.ErrConstraint.
func Decode(meta element.Metadata) (Gate, error) {
	if len(meta) == 0 {
		return nil, element.Constraintf("gate: metadata is empty")
	}
	subset := make(map[string]any, len(gateKeys))
	for _, key := range gateKeys {
		if v, ok := meta[key]; ok && v != nil {
			subset[key] = v
		}
	}
	raw, err := json.Marshal(subset)
	if err != nil {
		return nil, element.Constraintf("gate: encode metadata: %v", err)
	}
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, element.Constraintf("gate: decode metadata: %v", err)
	}
	override := Override{Satisfied: w.Satisfied, SatisfiedAt: w.SatisfiedAt, SatisfiedBy: w.SatisfiedBy}
	switch Kind(strings.ToLower(string(w.GateType))) {
	case KindTimer:
		if w.WaitUntil == nil {
			return nil, element.Constraintf("gate: timer gate requires %s", KeyWaitUntil)
		}
		return Timer{WaitUntil: *w.WaitUntil, Override: override}, nil
	case KindApproval:
		if len(w.RequiredApprovers) == 0 {
			return nil, element.Constraintf("gate: approval gate requires %s", KeyRequiredApprovers)
		}
		if w.ApprovalCount != nil && *w.ApprovalCount < 1 {
			return nil, element.Constraintf("gate: %s must be at least 1", KeyApprovalCount)
		}
		return Approval{
			RequiredApprovers: w.RequiredApprovers,
			CurrentApprovers:  w.CurrentApprovers,
			ApprovalCount:     w.ApprovalCount,
			Override:          override,
		}, nil
	case KindExternal:
		return External{System: w.ExternalSystem, ID: w.ExternalID, Override: override}, nil
	case "":
		return nil, element.Constraintf("gate: %s is required", KeyGateType)
	default:
		return nil, element.Constraintf("gate: unknown gate type %q", w.GateType)
	}
}

// Encode renders g as metadata.
func Encode(g Gate) element.Metadata {
	manual := g.Manual()
	w := wire{
		GateType:    g.Kind(),
		Satisfied:   manual.Satisfied,
		SatisfiedAt: manual.SatisfiedAt,
		SatisfiedBy: manual.SatisfiedBy,
	}
	switch v := g.(type) {
	case Timer:
		at := v.WaitUntil.UTC()
		w.WaitUntil = &at
	case Approval:
		w.RequiredApprovers = v.RequiredApprovers
		w.CurrentApprovers = v.CurrentApprovers
		w.ApprovalCount = v.ApprovalCount
	case External:
		w.ExternalSystem = v.System
		w.ExternalID = v.ID
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return element.Metadata{KeyGateType: string(g.Kind())}
	}
	out := element.Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return element.Metadata{KeyGateType: string(g.Kind())}
	}
	return out
}

// Merge replaces the gate keys of meta with g, keeping unrelated keys.
func Merge(meta element.Metadata, g Gate) element.Metadata {
	out := meta.Clone()
	if out == nil {
		out = element.Metadata{}
	}
	for _, key := range gateKeys {
		delete(out, key)
	}
	for k, v := range Encode(g) {
		out[k] = v
	}
	return out
}
