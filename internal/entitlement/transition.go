package entitlement

import (
	"fmt"
	"time"

	"github.com/enrollhq/entitlement/internal/pricing"
)

// decide is the transition table: a deterministic, total function over
// (current state, event kind). It is pure so the store can re-run it on
// serialization retries.
//
// Ordering rules it encodes:
//   - refund and dispute revoke from every non-terminal state, including
//     completed ("refund always wins")
//   - revoked and expired never regress; late or out-of-order events for
//     them are no-ops
//   - a duplicate event never reaches this function (the ledger short-
//     circuits it)
func decide(subj *Subject, ob *RecurringObligation, ev *LifecycleEvent, now time.Time) (*Decision, error) {
	if !ValidEventKind(ev.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}

	if subj == nil {
		// First-payment bootstrap: only a checkout completion may create a
		// subject the engine has never seen.
		if ev.Kind != EventCheckoutCompleted {
			return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, ev.SubjectID)
		}
		boot := bootstrapSubject(ev, now)
		d := decideCheckout(boot, ev)
		d.Bootstrap = boot
		return d, nil
	}

	// Terminal states never regress.
	if subj.State.Terminal() {
		return noop(subj, fmt.Sprintf("event %s ignored: subject is %s", ev.Kind, subj.State)), nil
	}

	switch ev.Kind {
	case EventPaymentRefunded, EventPaymentDisputed:
		// Revokes from any non-terminal state, completed included.
		return &Decision{
			NewState:          StateRevoked,
			Note:              string(ev.Kind),
			ArchiveObligation: ob != nil && !ob.Archived,
			ArchiveSubject:    true,
			Actions: []Action{
				{Kind: ActionRevoke, Reason: string(ev.Kind)},
				notifyAction(subj, "access_revoked", map[string]any{"cause": string(ev.Kind)}),
			},
		}, nil

	case EventCheckoutCompleted:
		if subj.State != StatePending {
			return noop(subj, "checkout completion after payment already recorded"), nil
		}
		return decideCheckout(subj, ev), nil

	case EventChargeSucceeded:
		return decideChargeSucceeded(subj, ob, ev), nil

	case EventChargeFailed:
		if subj.State != StateActive {
			return noop(subj, fmt.Sprintf("charge failure in state %s", subj.State)), nil
		}
		return &Decision{
			NewState: StateSuspended,
			Note:     "recurring charge failed",
			Actions: []Action{
				{Kind: ActionSuspend, Reason: "recurring charge failed"},
				notifyAction(subj, "payment_failed", obligationData(ob)),
			},
		}, nil

	case EventPlanCancelled:
		if subj.State != StateActive && subj.State != StateSuspended {
			return noop(subj, fmt.Sprintf("plan cancellation in state %s", subj.State)), nil
		}
		if ob.Fulfilled() {
			// Cancellation of an already paid-off plan changes nothing.
			return noop(subj, "plan cancelled after fulfillment"), nil
		}
		d := &Decision{
			NewState:          StateSuspended,
			Note:              "recurring plan cancelled",
			ArchiveObligation: ob != nil && !ob.Archived,
			Actions: []Action{
				{Kind: ActionSuspend, Reason: "recurring plan cancelled"},
				notifyAction(subj, "plan_cancelled", obligationData(ob)),
			},
		}
		return d, nil
	}

	// Unreachable: ValidEventKind covers the switch.
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
}

// decideCheckout handles the pending -> active/completed fork on first
// payment. A pay-in-full or deferred checkout settles everything at once;
// an installment checkout means the deposit cleared and recurring charges
// begin.
func decideCheckout(subj *Subject, ev *LifecycleEvent) *Decision {
	structure := subj.Structure

	// Tenants and credentials are organization-scoped; individuals get the
	// access grant only.
	var actions []Action
	if subj.Kind == KindOrganization {
		actions = append(actions, Action{Kind: ActionProvision})
	}
	actions = append(actions, Action{Kind: ActionGrantAccess})

	if structure == nil || structure.Kind != pricing.KindInstallment || structure.InstallmentCount == 0 {
		actions = append(actions, notifyAction(subj, "purchase_complete", nil))
		return &Decision{
			NewState: StateCompleted,
			Note:     "paid in full",
			Actions:  actions,
		}
	}

	actions = append(actions, notifyAction(subj, "plan_started", map[string]any{
		"installments": structure.InstallmentCount,
	}))
	return &Decision{
		NewState: StateActive,
		Note:     "deposit paid, installment plan started",
		CreateObligation: &RecurringObligation{
			SubjectID:         subj.ID,
			InstallmentsPaid:  0,
			InstallmentsTotal: structure.InstallmentCount,
		},
		Actions: actions,
	}
}

func decideChargeSucceeded(subj *Subject, ob *RecurringObligation, ev *LifecycleEvent) *Decision {
	if subj.State != StateActive && subj.State != StateSuspended {
		return noop(subj, fmt.Sprintf("recurring charge succeeded in state %s", subj.State))
	}
	if ob == nil || ob.Archived {
		// Charge reported against a plan the ledger no longer tracks.
		return noop(subj, "recurring charge succeeded with no open obligation")
	}

	paid := ob.InstallmentsPaid + 1
	note := fmt.Sprintf("installment %d/%d paid", paid, ob.InstallmentsTotal)

	var actions []Action
	if subj.State == StateSuspended {
		actions = append(actions,
			Action{Kind: ActionRestore, Reason: "recurring charge recovered"},
			notifyAction(subj, "access_restored", obligationData(ob)),
		)
	}

	if paid >= ob.InstallmentsTotal {
		actions = append(actions,
			Action{Kind: ActionGrantAccess},
			notifyAction(subj, "plan_complete", nil),
		)
		return &Decision{
			NewState:          StateCompleted,
			Note:              note + ", obligation fulfilled",
			IncrementPaid:     true,
			ArchiveObligation: true,
			Actions:           actions,
		}
	}

	return &Decision{
		NewState:      StateActive,
		Note:          note,
		IncrementPaid: true,
		Actions:       actions,
	}
}

// bootstrapSubject builds a minimal subject from an authority event whose
// checkout the engine never saw (first-payment bootstrap). Fields beyond
// the payload are filled by later reconciliation.
func bootstrapSubject(ev *LifecycleEvent, now time.Time) *Subject {
	return &Subject{
		ID:        ev.SubjectID,
		Kind:      KindIndividual,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func noop(subj *Subject, note string) *Decision {
	return &Decision{
		NewState:   subj.State,
		OutOfOrder: true,
		Note:       note,
	}
}

func notifyAction(subj *Subject, templateKey string, data map[string]any) Action {
	return Action{
		Kind:        ActionNotify,
		TemplateKey: templateKey,
		Data:        data,
	}
}

func obligationData(ob *RecurringObligation) map[string]any {
	if ob == nil {
		return nil
	}
	return map[string]any{
		"installmentsPaid":  ob.InstallmentsPaid,
		"installmentsTotal": ob.InstallmentsTotal,
	}
}
