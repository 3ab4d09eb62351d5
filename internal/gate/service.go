package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/logging"
	"github.com/kingrea/stoneforge/internal/store"
)

// Invalidator refreshes cached blocked state after a gate changes.
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...string) error
}

// Service mutates gates stored on AWAITS edges.
type Service struct {
	store store.Store
	cache Invalidator
	clock func() time.Time
	log   logging.Printer
}

// NewService wires gate mutations to a store and the cache they invalidate.
func NewService(st store.Store, cache Invalidator, clock func() time.Time, log logging.Printer) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("gate: store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("gate: invalidator is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: st, cache: cache, clock: clock, log: logging.OrDiscard(log)}, nil
}

// ApprovalResult reports the state of an approval gate after a mutation.
type ApprovalResult struct {
	Success       bool `json:"success"`
	CurrentCount  int  `json:"currentCount"`
	RequiredCount int  `json:"requiredCount"`
	Satisfied     bool `json:"satisfied"`
}

// RecordApproval adds approver to the approval gate on blockedID -> blockerID.
// Success is false when there is no such AWAITS edge or it is not an
// approval gate.
func (s *Service) RecordApproval(ctx context.Context, blockedID, blockerID, approver string) (ApprovalResult, error) {
	return s.mutateApproval(ctx, blockedID, blockerID, approver, Approval.WithApprover)
}

// RemoveApproval withdraws approver from the approval gate.
func (s *Service) RemoveApproval(ctx context.Context, blockedID, blockerID, approver string) (ApprovalResult, error) {
	return s.mutateApproval(ctx, blockedID, blockerID, approver, Approval.WithoutApprover)
}

func (s *Service) mutateApproval(ctx context.Context, blockedID, blockerID, approver string, apply func(Approval, string) (Approval, bool)) (ApprovalResult, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return ApprovalResult{}, element.Constraintf("gate: approver is required")
	}
	var (
		result  ApprovalResult
		changed bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		dep, err := tx.GetDependency(ctx, blockedID, blockerID, element.DepAwaits)
		if err != nil {
			if element.IsNotFound(err) {
				return nil
			}
			return err
		}
		decoded, err := Decode(dep.Metadata)
		if err != nil {
			return nil
		}
		approval, ok := decoded.(Approval)
		if !ok {
			return nil
		}
		approval, changed = apply(approval, approver)
		if changed {
			if _, err := tx.UpdateDependencyMetadata(ctx, blockedID, blockerID, element.DepAwaits, Merge(dep.Metadata, approval)); err != nil {
				return err
			}
		}
		result = ApprovalResult{
			Success:       true,
			CurrentCount:  approval.Count(),
			RequiredCount: approval.Threshold(),
			Satisfied:     Evaluate(approval, s.clock()).Satisfied,
		}
		return nil
	})
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("gate: approval on %s: %w", blockedID, err)
	}
	if !changed {
		return result, nil
	}
	s.log.Printf("gate: approval by %s on %s -> %s now %d/%d", approver, blockedID, blockerID, result.CurrentCount, result.RequiredCount)
	if err := s.cache.Invalidate(ctx, blockedID); err != nil {
		return result, err
	}
	return result, nil
}

// Satisfy marks the AWAITS edge blockedID -> blockerID satisfied. It returns
// false when no such edge exists.
func (s *Service) Satisfy(ctx context.Context, blockedID, blockerID, actor string) (bool, error) {
	found := false
	changed := false
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		dep, err := tx.GetDependency(ctx, blockedID, blockerID, element.DepAwaits)
		if err != nil {
			if element.IsNotFound(err) {
				return nil
			}
			return err
		}
		found = true
		if v, ok := dep.Metadata[KeySatisfied].(bool); ok && v {
			return nil
		}
		meta := dep.Metadata.Clone()
		if meta == nil {
			meta = element.Metadata{}
		}
		meta[KeySatisfied] = true
		meta[KeySatisfiedAt] = s.clock().UTC().Format(time.RFC3339Nano)
		if actor != "" {
			meta[KeySatisfiedBy] = actor
		}
		if _, err := tx.UpdateDependencyMetadata(ctx, blockedID, blockerID, element.DepAwaits, meta); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("gate: satisfy %s -> %s: %w", blockedID, blockerID, err)
	}
	if !changed {
		return found, nil
	}
	s.log.Printf("gate: %s -> %s satisfied by %s", blockedID, blockerID, actor)
	if err := s.cache.Invalidate(ctx, blockedID); err != nil {
		return true, err
	}
	return true, nil
}
