package entitlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/enrollhq/entitlement/internal/idgen"
)

// MemoryStore is an in-memory entitlement store for demo/development mode
// and tests. One mutex covers every structure so ApplyEvent keeps the same
// all-or-nothing shape as the Postgres store.
type MemoryStore struct {
	subjects    map[string]*Subject
	obligations map[string]*RecurringObligation // by subject ID
	results     map[string]*ApplyResult         // idempotency ledger, by event ID
	history     map[string][]*Transition        // by subject ID
	mu          sync.Mutex
}

// NewMemoryStore creates a new in-memory entitlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects:    make(map[string]*Subject),
		obligations: make(map[string]*RecurringObligation),
		results:     make(map[string]*ApplyResult),
		history:     make(map[string][]*Transition),
	}
}

func (m *MemoryStore) CreateSubject(ctx context.Context, s *Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subjects[s.ID]; ok {
		return ErrSubjectExists
	}
	cp := *s
	m.subjects[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubject(ctx context.Context, id string) (*Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getSubjectLocked(id)
}

func (m *MemoryStore) getSubjectLocked(id string) (*Subject, error) {
	s, ok := m.subjects[id]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetObligation(ctx context.Context, subjectID string) (*RecurringObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.obligations[subjectID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, subjectID string, limit int) ([]*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := m.history[subjectID]
	out := make([]*Transition, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- { // newest first
		cp := *hist[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ApplyEvent(ctx context.Context, ev *LifecycleEvent, decide DecideFunc) (*ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.results[ev.ID]; ok {
		cp := *prev
		cp.Duplicate = true
		return &cp, nil
	}

	var subj *Subject
	if s, ok := m.subjects[ev.SubjectID]; ok {
		cp := *s
		subj = &cp
	}
	var ob *RecurringObligation
	if o, ok := m.obligations[ev.SubjectID]; ok {
		cp := *o
		ob = &cp
	}

	dec, err := decide(subj, ob)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if dec.Bootstrap != nil {
		subj = dec.Bootstrap
		m.subjects[subj.ID] = subj
	}
	if subj == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, ev.SubjectID)
	}
	from := subj.State

	subj.State = dec.NewState
	if dec.ArchiveSubject {
		subj.Archived = true
	}
	subj.UpdatedAt = now
	m.subjects[subj.ID] = subj

	if dec.CreateObligation != nil {
		cp := *dec.CreateObligation
		cp.UpdatedAt = now
		m.obligations[subj.ID] = &cp
		ob = &cp
	}
	if stored, ok := m.obligations[subj.ID]; ok {
		if dec.IncrementPaid {
			stored.InstallmentsPaid++
		}
		if dec.ArchiveObligation {
			stored.Archived = true
		}
		stored.UpdatedAt = now
		cp := *stored
		ob = &cp
	}

	if !dec.OutOfOrder {
		m.history[subj.ID] = append(m.history[subj.ID], &Transition{
			ID:        idgen.WithPrefix("tr"),
			SubjectID: subj.ID,
			EventID:   ev.ID,
			From:      from,
			To:        dec.NewState,
			Note:      dec.Note,
			CreatedAt: now,
		})
	}

	res := &ApplyResult{
		EventID:    ev.ID,
		SubjectID:  subj.ID,
		From:       from,
		To:         dec.NewState,
		OutOfOrder: dec.OutOfOrder,
		Note:       dec.Note,
		Obligation: ob,
		Actions:    dec.Actions,
	}
	m.results[ev.ID] = res
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) AdminTransition(ctx context.Context, subjectID, note string, mutate func(s *Subject, o *RecurringObligation) (AccessState, error)) (*Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subj, ok := m.subjects[subjectID]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	ob := m.obligations[subjectID]

	from := subj.State
	to, err := mutate(subj, ob)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	subj.State = to
	subj.UpdatedAt = now
	if ob != nil {
		ob.UpdatedAt = now
	}
	if to != from {
		m.history[subjectID] = append(m.history[subjectID], &Transition{
			ID:        idgen.WithPrefix("tr"),
			SubjectID: subjectID,
			From:      from,
			To:        to,
			Note:      note,
			CreatedAt: now,
		})
	}

	cp := *subj
	return &cp, nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Subject
	for _, s := range m.subjects {
		if s.Archived || s.ExpiresAt == nil {
			continue
		}
		if s.State != StateActive && s.State != StateSuspended {
			continue
		}
		if s.ExpiresAt.After(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
