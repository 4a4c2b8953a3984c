// Package entitlement implements the billing-driven entitlement state machine.
//
// The payment authority delivers lifecycle events at least once, possibly in
// parallel, out of order, or with gaps. This package turns that stream into
// an authoritative access state per billable subject with effectively-once
// semantics: every event ID is an idempotency key, and the ledger insert,
// state write, and history append commit in a single unit of work. Downstream
// side effects (provisioning, notifications) run only after that commit and
// never roll it back.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/enrollhq/entitlement/internal/pricing"
)

// Errors
var (
	ErrSubjectNotFound   = errors.New("entitlement: subject not found")
	ErrSubjectExists     = errors.New("entitlement: subject already exists")
	ErrUnknownEventKind  = errors.New("entitlement: unknown lifecycle event kind")
	ErrTerminalState     = errors.New("entitlement: subject is in a terminal state")
	ErrInvalidTransition = errors.New("entitlement: transition not permitted")

	// ErrConcurrentApply marks a transaction conflict between two deliveries
	// of the same stream. Nothing was committed; the caller retries and the
	// replay converges on the duplicate path.
	ErrConcurrentApply = errors.New("entitlement: concurrent apply conflict, retry")
)

// SubjectKind distinguishes a single enrollment from an organization license.
type SubjectKind string

const (
	KindIndividual   SubjectKind = "individual"
	KindOrganization SubjectKind = "organization"
)

// AccessState is the entitlement decision for a subject.
//
// pending -> active -> suspended -> completed | revoked | expired.
// revoked and expired are terminal for event-driven transitions; completed is
// terminal except for refund/dispute, which always revoke.
type AccessState string

const (
	StatePending   AccessState = "pending"
	StateActive    AccessState = "active"
	StateSuspended AccessState = "suspended"
	StateCompleted AccessState = "completed"
	StateRevoked   AccessState = "revoked"
	StateExpired   AccessState = "expired"
)

// Terminal reports whether no lifecycle event may transition out of s.
// completed is special-cased in the transition table: refund and dispute
// still revoke it.
func (s AccessState) Terminal() bool {
	return s == StateRevoked || s == StateExpired
}

// Subject is a billable subject: a student enrollment or an org license.
// Created at checkout intent, never deleted; revocation soft-archives.
type Subject struct {
	ID              string                    `json:"id"`
	Kind            SubjectKind               `json:"kind"`
	Name            string                    `json:"name"`
	Email           string                    `json:"email"`
	Tier            string                    `json:"tier,omitempty"` // purchased tier, org subjects
	TotalPriceCents int64                     `json:"totalPriceCents"`
	CreditedCents   int64                     `json:"creditedCents"`
	State           AccessState               `json:"state"`
	Structure       *pricing.PaymentStructure `json:"structure,omitempty"`
	ExpiresAt       *time.Time                `json:"expiresAt,omitempty"`
	Archived        bool                      `json:"archived"`
	CreatedAt       time.Time                 `json:"createdAt"`
	UpdatedAt       time.Time                 `json:"updatedAt"`
}

// EventKind is the tagged discriminator for lifecycle events. The transition
// table switches over it exhaustively so a new kind cannot fall through
// silently.
type EventKind string

const (
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventChargeSucceeded   EventKind = "recurring_charge_succeeded"
	EventChargeFailed      EventKind = "recurring_charge_failed"
	EventPlanCancelled     EventKind = "recurring_plan_cancelled"
	EventPaymentRefunded   EventKind = "payment_refunded"
	EventPaymentDisputed   EventKind = "payment_disputed"
)

// ValidEventKind reports whether k is a recognized lifecycle event kind.
func ValidEventKind(k EventKind) bool {
	switch k {
	case EventCheckoutCompleted, EventChargeSucceeded, EventChargeFailed,
		EventPlanCancelled, EventPaymentRefunded, EventPaymentDisputed:
		return true
	}
	return false
}

// LifecycleEvent is an immutable, externally sourced record. The ID is
// supplied by the payment authority and is globally unique; it doubles as
// the idempotency key.
type LifecycleEvent struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	SubjectID  string          `json:"subjectId"`
	OccurredAt time.Time       `json:"occurredAt"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`

	// ExternalInstallments is the authority's advisory count of paid
	// installments, when present. The local obligation record is
	// authoritative; a mismatch is logged, never trusted.
	ExternalInstallments int `json:"externalInstallments,omitempty"`
}

// RecurringObligation tracks installment progress for an active plan.
// Archived when fulfilled or when the plan is cancelled.
type RecurringObligation struct {
	SubjectID         string    `json:"subjectId"`
	InstallmentsPaid  int       `json:"installmentsPaid"`
	InstallmentsTotal int       `json:"installmentsTotal"`
	Archived          bool      `json:"archived"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Fulfilled reports whether every installment has been paid.
func (o *RecurringObligation) Fulfilled() bool {
	return o != nil && o.InstallmentsPaid >= o.InstallmentsTotal
}

// Transition is one append-only history record. EventID is empty for
// administrative transitions.
type Transition struct {
	ID        string      `json:"id"`
	SubjectID string      `json:"subjectId"`
	EventID   string      `json:"eventId,omitempty"`
	From      AccessState `json:"from"`
	To        AccessState `json:"to"`
	Note      string      `json:"note,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ActionKind enumerates downstream side effects a transition requests.
type ActionKind string

const (
	ActionGrantAccess ActionKind = "grant_access"
	ActionSuspend     ActionKind = "suspend_access"
	ActionRestore     ActionKind = "restore_access"
	ActionRevoke      ActionKind = "revoke_access"
	ActionProvision   ActionKind = "provision_tenant"
	ActionNotify      ActionKind = "notify"
)

// Action is a single downstream side effect, dispatched after the state
// transition commits. Failures are retried independently and never roll
// back the transition.
type Action struct {
	Kind        ActionKind     `json:"kind"`
	Reason      string         `json:"reason,omitempty"`
	TemplateKey string         `json:"templateKey,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ApplyResult records the outcome of applying one lifecycle event. It is
// persisted alongside the idempotency record so duplicate deliveries return
// the identical result without re-executing anything.
type ApplyResult struct {
	EventID    string               `json:"eventId"`
	SubjectID  string               `json:"subjectId"`
	From       AccessState          `json:"from"`
	To         AccessState          `json:"to"`
	Duplicate  bool                 `json:"duplicate"`
	OutOfOrder bool                 `json:"outOfOrder"`
	Note       string               `json:"note,omitempty"`
	Obligation *RecurringObligation `json:"obligation,omitempty"`
	Actions    []Action             `json:"actions,omitempty"`
}

// Decision is the pure output of the transition table for one event.
// The store applies it atomically with the idempotency record.
type Decision struct {
	NewState          AccessState
	OutOfOrder        bool
	Note              string
	Bootstrap         *Subject             // created when the subject does not exist yet
	CreateObligation  *RecurringObligation // installment plan start
	IncrementPaid     bool
	ArchiveObligation bool
	ArchiveSubject    bool // revocation soft-archives the subject record
	Actions           []Action
}

// DecideFunc computes the transition for the current durable state. It must
// be pure: the store may call it inside a transaction and will retry it on
// serialization conflicts. subject and obligation are nil when absent.
type DecideFunc func(subject *Subject, obligation *RecurringObligation) (*Decision, error)

// Store persists subjects, obligations, the idempotency ledger, and the
// transition history. ApplyEvent is the single atomic unit of work: the
// event-ID insert, subject write, obligation mutation, and history append
// either all commit or none do.
type Store interface {
	CreateSubject(ctx context.Context, s *Subject) error
	GetSubject(ctx context.Context, id string) (*Subject, error)
	GetObligation(ctx context.Context, subjectID string) (*RecurringObligation, error)
	ListTransitions(ctx context.Context, subjectID string, limit int) ([]*Transition, error)

	// ApplyEvent records the event atomically with the decided transition.
	// A previously applied event ID returns the recorded result with
	// Duplicate set and decide is not consulted.
	ApplyEvent(ctx context.Context, ev *LifecycleEvent, decide DecideFunc) (*ApplyResult, error)

	// AdminTransition mutates a subject outside the event table while still
	// appending history. mutate runs under the same lock as the write.
	AdminTransition(ctx context.Context, subjectID, note string, mutate func(s *Subject, o *RecurringObligation) (AccessState, error)) (*Subject, error)

	// ListExpirable returns non-archived subjects in active or suspended
	// state whose expiry has passed.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Subject, error)
}
