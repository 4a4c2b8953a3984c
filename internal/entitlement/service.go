package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/enrollhq/entitlement/internal/metrics"
	"github.com/enrollhq/entitlement/internal/traces"
)

// AccessController applies entitlement decisions to the systems a subject
// actually touches. Implementations must be idempotent: the service may
// replay a dispatch after a crash between commit and side effects.
type AccessController interface {
	Provision(ctx context.Context, subjectID string) error
	GrantAccess(ctx context.Context, subjectID string) error
	SuspendAccess(ctx context.Context, subjectID string) error
	RestoreAccess(ctx context.Context, subjectID string) error
	RevokeAccess(ctx context.Context, subjectID string) error
}

// Notifier delivers outbound notifications. Failures are the notifier's
// problem; the service never blocks or rolls back on them.
type Notifier interface {
	Enqueue(subjectID, templateKey string, data map[string]any)
}

// Service is the entitlement engine. All billing-authority events funnel
// through Apply; administrative overrides go through Revoke, Reactivate
// and Extend.
type Service struct {
	store    Store
	access   AccessController
	notifier Notifier
	logger   *slog.Logger
}

func NewService(store Store, access AccessController, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		access:   access,
		notifier: notifier,
		logger:   logger,
	}
}

// Apply runs one lifecycle event through the ledger and the transition
// table, commits the outcome, then dispatches side effects. A duplicate
// event ID returns the originally recorded result without re-running
// anything.
func (s *Service) Apply(ctx context.Context, ev *LifecycleEvent) (*ApplyResult, error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.Apply",
		traces.EventID(ev.ID),
		traces.EventKind(string(ev.Kind)),
		traces.SubjectID(ev.SubjectID),
	)
	defer span.End()

	if ev.ID == "" {
		return nil, fmt.Errorf("entitlement: event id is required")
	}
	if !ValidEventKind(ev.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	res, err := s.store.ApplyEvent(ctx, ev, func(subj *Subject, ob *RecurringObligation) (*Decision, error) {
		return decide(subj, ob, ev, time.Now())
	})
	if err != nil {
		metrics.EventsAppliedTotal.WithLabelValues(string(ev.Kind), "rejected").Inc()
		return nil, err
	}

	switch {
	case res.Duplicate:
		metrics.EventsAppliedTotal.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		s.logger.Info("duplicate event ignored", "event_id", ev.ID, "subject_id", res.SubjectID)
		return res, nil
	case res.OutOfOrder:
		metrics.EventsAppliedTotal.WithLabelValues(string(ev.Kind), "out_of_order").Inc()
		s.logger.Info("out-of-order event recorded",
			"event_id", ev.ID, "subject_id", res.SubjectID, "state", res.To, "note", res.Note)
		return res, nil
	}

	metrics.EventsAppliedTotal.WithLabelValues(string(ev.Kind), "applied").Inc()
	if res.From != res.To {
		metrics.TransitionsTotal.WithLabelValues(string(res.To)).Inc()
	}
	// The authority's installment counter is advisory; the local
	// obligation stays authoritative and disagreement is only surfaced.
	if ev.ExternalInstallments > 0 && res.Obligation != nil &&
		ev.ExternalInstallments != res.Obligation.InstallmentsPaid {
		s.logger.Warn("installment count mismatch with billing authority",
			"event_id", ev.ID, "subject_id", res.SubjectID,
			"local", res.Obligation.InstallmentsPaid,
			"external", ev.ExternalInstallments)
	}
	span.SetAttributes(traces.AccessState(string(res.To)))
	s.logger.Info("event applied",
		"event_id", ev.ID, "subject_id", res.SubjectID,
		"kind", ev.Kind, "from", res.From, "to", res.To)

	s.dispatch(ctx, res)
	return res, nil
}

// dispatch runs the committed decision's side effects. The state change is
// already durable; a failure here is logged and left to the enforcement
// layer's own reconciliation, never propagated to the billing authority.
func (s *Service) dispatch(ctx context.Context, res *ApplyResult) {
	for _, a := range res.Actions {
		var err error
		switch a.Kind {
		case ActionProvision:
			err = s.access.Provision(ctx, res.SubjectID)
		case ActionGrantAccess:
			err = s.access.GrantAccess(ctx, res.SubjectID)
		case ActionSuspend:
			err = s.access.SuspendAccess(ctx, res.SubjectID)
		case ActionRestore:
			err = s.access.RestoreAccess(ctx, res.SubjectID)
		case ActionRevoke:
			err = s.access.RevokeAccess(ctx, res.SubjectID)
		case ActionNotify:
			s.notifier.Enqueue(res.SubjectID, a.TemplateKey, a.Data)
		}
		if err != nil {
			s.logger.Error("side effect failed",
				"subject_id", res.SubjectID, "action", a.Kind, "error", err)
		}
	}
}

// Register creates a pending subject ahead of payment. The checkout flow
// calls this when a payment structure is selected; the subject stays
// pending until the billing authority confirms the first charge.
func (s *Service) Register(ctx context.Context, subj *Subject) error {
	now := time.Now()
	if subj.State == "" {
		subj.State = StatePending
	}
	subj.CreatedAt = now
	subj.UpdatedAt = now
	return s.store.CreateSubject(ctx, subj)
}

func (s *Service) Get(ctx context.Context, subjectID string) (*Subject, error) {
	return s.store.GetSubject(ctx, subjectID)
}

func (s *Service) Obligation(ctx context.Context, subjectID string) (*RecurringObligation, error) {
	return s.store.GetObligation(ctx, subjectID)
}

func (s *Service) History(ctx context.Context, subjectID string, limit int) ([]*Transition, error) {
	return s.store.ListTransitions(ctx, subjectID, limit)
}

// Revoke is the administrative override. Unlike authority-driven revokes
// it works from any state, terminal ones included.
func (s *Service) Revoke(ctx context.Context, subjectID, reason string) (*Subject, error) {
	note := "admin revoke"
	if reason != "" {
		note = "admin revoke: " + reason
	}
	subj, err := s.store.AdminTransition(ctx, subjectID, note,
		func(subj *Subject, ob *RecurringObligation) (AccessState, error) {
			if ob != nil && !ob.Archived {
				ob.Archived = true
			}
			subj.Archived = true
			return StateRevoked, nil
		})
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(StateRevoked)).Inc()
	if err := s.access.RevokeAccess(ctx, subjectID); err != nil {
		s.logger.Error("side effect failed", "subject_id", subjectID, "action", ActionRevoke, "error", err)
	}
	s.notifier.Enqueue(subjectID, "access_revoked", map[string]any{"cause": note})
	return subj, nil
}

// Reactivate restores a revoked, expired or suspended subject. It lands on
// active when an unfulfilled obligation remains and on completed otherwise.
func (s *Service) Reactivate(ctx context.Context, subjectID, reason string) (*Subject, error) {
	note := "admin reactivate"
	if reason != "" {
		note = "admin reactivate: " + reason
	}
	var target AccessState
	subj, err := s.store.AdminTransition(ctx, subjectID, note,
		func(subj *Subject, ob *RecurringObligation) (AccessState, error) {
			if subj.State == StatePending {
				return "", fmt.Errorf("%w: cannot reactivate a subject that never paid", ErrInvalidTransition)
			}
			subj.Archived = false
			if ob != nil && !ob.Archived && !ob.Fulfilled() {
				target = StateActive
			} else {
				target = StateCompleted
			}
			return target, nil
		})
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(target)).Inc()
	if err := s.access.RestoreAccess(ctx, subjectID); err != nil {
		s.logger.Error("side effect failed", "subject_id", subjectID, "action", ActionRestore, "error", err)
	}
	s.notifier.Enqueue(subjectID, "access_restored", nil)
	return subj, nil
}

// Extend moves a subject's expiry. Extending an expired subject brings it
// back to the state its obligation implies.
func (s *Service) Extend(ctx context.Context, subjectID string, until time.Time) (*Subject, error) {
	subj, err := s.store.AdminTransition(ctx, subjectID, fmt.Sprintf("admin extend until %s", until.Format(time.RFC3339)),
		func(subj *Subject, ob *RecurringObligation) (AccessState, error) {
			subj.ExpiresAt = &until
			if subj.State == StateExpired && until.After(time.Now()) {
				if ob != nil && !ob.Archived && !ob.Fulfilled() {
					return StateActive, nil
				}
				return StateCompleted, nil
			}
			return subj.State, nil
		})
	if err != nil {
		return nil, err
	}
	return subj, nil
}

// ExpireDue sweeps active and suspended subjects whose expiry has passed.
// Completed subjects keep access for life and are never swept.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpirable(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sub := range due {
		id := sub.ID
		_, err := s.store.AdminTransition(ctx, id, "access window elapsed",
			func(subj *Subject, ob *RecurringObligation) (AccessState, error) {
				if subj.State != StateActive && subj.State != StateSuspended {
					return subj.State, nil
				}
				if ob != nil && !ob.Archived {
					ob.Archived = true
				}
				return StateExpired, nil
			})
		if err != nil {
			s.logger.Warn("failed to expire subject", "subject_id", id, "error", err)
			continue
		}
		metrics.TransitionsTotal.WithLabelValues(string(StateExpired)).Inc()
		if err := s.access.RevokeAccess(ctx, id); err != nil {
			s.logger.Error("side effect failed", "subject_id", id, "action", ActionRevoke, "error", err)
		}
		s.notifier.Enqueue(id, "access_expired", nil)
		expired++
	}
	return expired, nil
}
