package entitlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/enrollhq/entitlement/internal/idgen"
	"github.com/enrollhq/entitlement/internal/pricing"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. ApplyEvent pins its
// atomicity guarantee on a single serializable transaction: the unique
// insert into lifecycle_events is the idempotency gate, and every write the
// decision produces rides in the same transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed entitlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateSubject(ctx context.Context, s *Subject) error {
	structure, err := marshalStructure(s.Structure)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO entitlement_subjects (
			id, kind, name, email, tier, total_price_cents, credited_cents,
			state, structure, expires_at, archived, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		s.ID, string(s.Kind), s.Name, s.Email, s.Tier, s.TotalPriceCents, s.CreditedCents,
		string(s.State), structure, s.ExpiresAt, s.Archived, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSubjectExists
		}
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSubject(ctx context.Context, id string) (*Subject, error) {
	row := p.db.QueryRowContext(ctx, subjectSelect+` WHERE id = $1`, id)
	s, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) GetObligation(ctx context.Context, subjectID string) (*RecurringObligation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT subject_id, installments_paid, installments_total, archived, updated_at
		FROM recurring_obligations WHERE subject_id = $1
	`, subjectID)
	o, err := scanObligation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get obligation: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListTransitions(ctx context.Context, subjectID string, limit int) ([]*Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, event_id, from_state, to_state, note, created_at
		FROM access_transitions
		WHERE subject_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var eventID sql.NullString
		if err := rows.Scan(&t.ID, &t.SubjectID, &eventID, &t.From, &t.To, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.EventID = eventID.String
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ApplyEvent(ctx context.Context, ev *LifecycleEvent, decide DecideFunc) (*ApplyResult, error) {
	res, err := p.applyEvent(ctx, ev, decide)
	if err != nil && isSerializationFailure(err) {
		// Two deliveries of the same stream collided. The loser committed
		// nothing; its redelivery lands on the duplicate path.
		return nil, fmt.Errorf("%w: %v", ErrConcurrentApply, err)
	}
	return res, err
}

func (p *PostgresStore) applyEvent(ctx context.Context, ev *LifecycleEvent, decide DecideFunc) (*ApplyResult, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Idempotency gate. The unique event ID either inserts or tells us the
	// event was already applied; in the latter case the recorded result is
	// replayed verbatim.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO lifecycle_events (id, kind, subject_id, occurred_at, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, string(ev.Kind), ev.SubjectID, ev.OccurredAt, nullRaw(ev.RawPayload))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT result FROM lifecycle_events WHERE id = $1`, ev.ID).Scan(&raw)
		if err == sql.ErrNoRows || (err == nil && len(raw) == 0) {
			// The conflicting insert committed after our snapshot was taken,
			// so its result is not visible yet. Retry reads it.
			return nil, fmt.Errorf("%w: event %s", ErrConcurrentApply, ev.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("load recorded result: %w", err)
		}
		var prev ApplyResult
		if err := json.Unmarshal(raw, &prev); err != nil {
			return nil, fmt.Errorf("decode recorded result: %w", err)
		}
		prev.Duplicate = true
		return &prev, nil
	}

	row := tx.QueryRowContext(ctx, subjectSelect+` WHERE id = $1 FOR UPDATE`, ev.SubjectID)
	subj, err := scanSubject(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lock subject: %w", err)
	}
	if err == sql.ErrNoRows {
		subj = nil
	}

	var ob *RecurringObligation
	if subj != nil {
		obRow := tx.QueryRowContext(ctx, `
			SELECT subject_id, installments_paid, installments_total, archived, updated_at
			FROM recurring_obligations WHERE subject_id = $1 FOR UPDATE
		`, ev.SubjectID)
		ob, err = scanObligation(obRow)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("lock obligation: %w", err)
		}
		if err == sql.ErrNoRows {
			ob = nil
		}
	}

	dec, err := decide(subj, ob)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if dec.Bootstrap != nil {
		subj = dec.Bootstrap
		structure, err := marshalStructure(subj.Structure)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entitlement_subjects (
				id, kind, name, email, tier, total_price_cents, credited_cents,
				state, structure, expires_at, archived, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			subj.ID, string(subj.Kind), subj.Name, subj.Email, subj.Tier,
			subj.TotalPriceCents, subj.CreditedCents, string(subj.State),
			structure, subj.ExpiresAt, subj.Archived, now, now,
		); err != nil {
			return nil, fmt.Errorf("bootstrap subject: %w", err)
		}
	}
	if subj == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, ev.SubjectID)
	}
	from := subj.State

	if dec.ArchiveSubject {
		subj.Archived = true
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entitlement_subjects SET state = $2, archived = $3, updated_at = $4 WHERE id = $1
	`, subj.ID, string(dec.NewState), subj.Archived, now); err != nil {
		return nil, fmt.Errorf("update subject state: %w", err)
	}

	if dec.CreateObligation != nil {
		o := *dec.CreateObligation
		o.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recurring_obligations (subject_id, installments_paid, installments_total, archived, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (subject_id) DO UPDATE SET
				installments_paid = EXCLUDED.installments_paid,
				installments_total = EXCLUDED.installments_total,
				archived = EXCLUDED.archived,
				updated_at = EXCLUDED.updated_at
		`, o.SubjectID, o.InstallmentsPaid, o.InstallmentsTotal, o.Archived, o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("create obligation: %w", err)
		}
		ob = &o
	}
	if ob != nil && (dec.IncrementPaid || dec.ArchiveObligation) {
		if dec.IncrementPaid {
			ob.InstallmentsPaid++
		}
		if dec.ArchiveObligation {
			ob.Archived = true
		}
		ob.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE recurring_obligations
			SET installments_paid = $2, archived = $3, updated_at = $4
			WHERE subject_id = $1
		`, ob.SubjectID, ob.InstallmentsPaid, ob.Archived, ob.UpdatedAt); err != nil {
			return nil, fmt.Errorf("update obligation: %w", err)
		}
	}

	if !dec.OutOfOrder {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO access_transitions (id, subject_id, event_id, from_state, to_state, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, idgen.WithPrefix("tr"), subj.ID, ev.ID, string(from), string(dec.NewState), dec.Note, now); err != nil {
			return nil, fmt.Errorf("append transition: %w", err)
		}
	}

	result := &ApplyResult{
		EventID:    ev.ID,
		SubjectID:  subj.ID,
		From:       from,
		To:         dec.NewState,
		OutOfOrder: dec.OutOfOrder,
		Note:       dec.Note,
		Obligation: ob,
		Actions:    dec.Actions,
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE lifecycle_events SET result = $2 WHERE id = $1
	`, ev.ID, encoded); err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func (p *PostgresStore) AdminTransition(ctx context.Context, subjectID, note string, mutate func(s *Subject, o *RecurringObligation) (AccessState, error)) (*Subject, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, subjectSelect+` WHERE id = $1 FOR UPDATE`, subjectID)
	subj, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock subject: %w", err)
	}

	obRow := tx.QueryRowContext(ctx, `
		SELECT subject_id, installments_paid, installments_total, archived, updated_at
		FROM recurring_obligations WHERE subject_id = $1 FOR UPDATE
	`, subjectID)
	ob, err := scanObligation(obRow)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lock obligation: %w", err)
	}
	if err == sql.ErrNoRows {
		ob = nil
	}

	from := subj.State
	to, err := mutate(subj, ob)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	subj.State = to
	subj.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		UPDATE entitlement_subjects SET state = $2, expires_at = $3, archived = $4, updated_at = $5
		WHERE id = $1
	`, subj.ID, string(to), subj.ExpiresAt, subj.Archived, now); err != nil {
		return nil, fmt.Errorf("update subject: %w", err)
	}

	if ob != nil {
		ob.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE recurring_obligations
			SET installments_paid = $2, archived = $3, updated_at = $4
			WHERE subject_id = $1
		`, ob.SubjectID, ob.InstallmentsPaid, ob.Archived, ob.UpdatedAt); err != nil {
			return nil, fmt.Errorf("update obligation: %w", err)
		}
	}

	if to != from {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO access_transitions (id, subject_id, event_id, from_state, to_state, note, created_at)
			VALUES ($1, $2, NULL, $3, $4, $5, $6)
		`, idgen.WithPrefix("tr"), subjectID, string(from), string(to), note, now); err != nil {
			return nil, fmt.Errorf("append transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return subj, nil
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Subject, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, subjectSelect+`
		WHERE archived = FALSE
		  AND state IN ('active', 'suspended')
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable: %w", err)
	}
	defer rows.Close()

	var out []*Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const subjectSelect = `
	SELECT id, kind, name, email, tier, total_price_cents, credited_cents,
		state, structure, expires_at, archived, created_at, updated_at
	FROM entitlement_subjects`

// isSerializationFailure matches the transaction-conflict SQLSTATEs
// (serialization_failure, deadlock_detected) that a retry resolves.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*Subject, error) {
	var s Subject
	var structure []byte
	var expiresAt sql.NullTime
	if err := row.Scan(
		&s.ID, &s.Kind, &s.Name, &s.Email, &s.Tier, &s.TotalPriceCents, &s.CreditedCents,
		&s.State, &structure, &expiresAt, &s.Archived, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(structure) > 0 {
		var ps pricing.PaymentStructure
		if err := json.Unmarshal(structure, &ps); err != nil {
			return nil, fmt.Errorf("decode structure: %w", err)
		}
		s.Structure = &ps
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		s.ExpiresAt = &t
	}
	return &s, nil
}

func scanObligation(row rowScanner) (*RecurringObligation, error) {
	var o RecurringObligation
	if err := row.Scan(&o.SubjectID, &o.InstallmentsPaid, &o.InstallmentsTotal, &o.Archived, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func marshalStructure(ps *pricing.PaymentStructure) ([]byte, error) {
	if ps == nil {
		return nil, nil
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("encode structure: %w", err)
	}
	return b, nil
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
