// Package pgstore provides a PostgreSQL implementation of crisis.Store.
//
// Transitions run in a transaction that locks the alert row, checks the
// persisted status, appends the audit row, and updates status in one commit,
// so an audit entry without its status update (or the reverse) can never be
// observed. The change feed rides on LISTEN/NOTIFY.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/crisis/pgstore")

//go:embed schema.sql
var schema string

// notifyChannel is the pg_notify channel carrying change feed events.
const notifyChannel = "lifeline_alert_changes"

// Store persists crisis alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store on the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const alertColumns = `id, tenant_id, person_id, person_name, responder_id, responder_name,
	source, tier, trigger_terms, context, full_message, payload, status, brief,
	created_at, acknowledged_at, resolved_at`

// Create appends a new alert record and announces it on the change feed.
func (s *Store) Create(ctx context.Context, a *crisis.Alert) error {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	terms, err := json.Marshal(termsOrEmpty(a.TriggerTerms))
	if err != nil {
		return fmt.Errorf("marshal trigger terms: %w", err)
	}
	payload, err := marshalPayload(a)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, span, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO crisis_alerts (`+alertColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			a.ID, a.TenantID, a.PersonID, a.PersonName, a.AssignedResponderID, a.AssignedResponderName,
			string(a.Source), int(a.Tier), terms, a.Context, a.FullMessage, payload,
			string(a.Status), a.Brief, a.CreatedAt, a.AcknowledgedAt, a.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		return notifyChange(ctx, tx, crisis.ChangeCreated, a.ID, a.TenantID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Get retrieves an alert with its audit trail and delivery record.
func (s *Store) Get(ctx context.Context, id string) (*crisis.Alert, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM crisis_alerts WHERE id = $1`
	a, err := scanAlertRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}

	if err := s.loadDetail(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return a, true, nil
}

// List returns the tenant's alerts within scope, newest first, with audit
// trails and delivery records attached.
func (s *Store) List(ctx context.Context, tenantID string, scope crisis.Scope) ([]*crisis.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM crisis_alerts WHERE tenant_id = $1`
	args := []any{tenantID}
	if scope.ResponderID != "" {
		query += ` AND responder_id = $2`
		args = append(args, scope.ResponderID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*crisis.Alert
	for rows.Next() {
		a, err := scanAlertRow(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}

	for _, a := range out {
		if err := s.loadDetail(ctx, a); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	return out, nil
}

// Apply checks the persisted status under a row lock, appends the audit
// entry, and updates status, all in one transaction.
func (s *Store) Apply(ctx context.Context, id string, tr crisis.Transition) (*crisis.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Apply", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.String("lifeline.action", string(tr.Action)),
	))
	defer span.End()

	var tenantID string
	err := s.withTx(ctx, span, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status, tenant_id FROM crisis_alerts WHERE id = $1 FOR UPDATE`, id,
		).Scan(&status, &tenantID)
		if errors.Is(err, pgx.ErrNoRows) {
			return crisis.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock alert: %w", err)
		}

		current := crisis.Status(status)
		if !crisis.Allowed(tr.Action, current) {
			actor, err := s.lastStatusActor(ctx, tx, id)
			if err != nil {
				return err
			}
			return &crisis.PreconditionError{Action: tr.Action, Status: current, Actor: actor}
		}

		// seq is derived under the row lock, so concurrent appends
		// serialize and every entry survives
		e := tr.Entry
		_, err = tx.Exec(ctx,
			`INSERT INTO crisis_audit (alert_id, seq, action, actor_id, actor_name, at, note)
			 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
			 FROM crisis_audit WHERE alert_id = $1`,
			id, string(e.Action), e.ActorID, e.ActorName, e.Timestamp, e.Note,
		)
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		var set []string
		args := []any{id}
		if tr.To != "" {
			args = append(args, string(tr.To))
			set = append(set, fmt.Sprintf("status = $%d", len(args)))
		}
		if tr.StampAcknowledged {
			args = append(args, e.Timestamp)
			set = append(set, fmt.Sprintf("acknowledged_at = COALESCE(acknowledged_at, $%d)", len(args)))
		}
		if tr.StampResolved {
			args = append(args, e.Timestamp)
			set = append(set, fmt.Sprintf("resolved_at = COALESCE(resolved_at, $%d)", len(args)))
		}
		if len(set) > 0 {
			q := `UPDATE crisis_alerts SET ` + strings.Join(set, ", ") + ` WHERE id = $1`
			if _, err := tx.Exec(ctx, q, args...); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
		}

		return notifyChange(ctx, tx, crisis.ChangeUpdated, id, tenantID)
	})
	if err != nil {
		// domain rejections are expected flow, not span failures
		var pe *crisis.PreconditionError
		if !errors.As(err, &pe) && !errors.Is(err, crisis.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	a, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, crisis.ErrNotFound
	}
	return a, nil
}

// MarkDelivered records a channel send. The append-only delivery table with
// ON CONFLICT DO NOTHING makes the write-once rule structural.
func (s *Store) MarkDelivered(ctx context.Context, id string, ch crisis.Channel, at time.Time) (*crisis.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgstore.MarkDelivered", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	err := s.withTx(ctx, span, func(tx pgx.Tx) error {
		var tenantID string
		err := tx.QueryRow(ctx,
			`SELECT tenant_id FROM crisis_alerts WHERE id = $1`, id,
		).Scan(&tenantID)
		if errors.Is(err, pgx.ErrNoRows) {
			return crisis.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup alert: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO crisis_delivery (alert_id, channel, sent_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (alert_id, channel) DO NOTHING`,
			id, string(ch), at,
		)
		if err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil // already sent; keep the original timestamp, no feed event
		}
		return notifyChange(ctx, tx, crisis.ChangeUpdated, id, tenantID)
	})
	if err != nil {
		if !errors.Is(err, crisis.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	a, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, crisis.ErrNotFound
	}
	return a, nil
}

// SetBrief attaches the AI responder brief.
func (s *Store) SetBrief(ctx context.Context, id string, brief string) (*crisis.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgstore.SetBrief", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	err := s.withTx(ctx, span, func(tx pgx.Tx) error {
		var tenantID string
		err := tx.QueryRow(ctx,
			`UPDATE crisis_alerts SET brief = $2 WHERE id = $1 RETURNING tenant_id`,
			id, brief,
		).Scan(&tenantID)
		if errors.Is(err, pgx.ErrNoRows) {
			return crisis.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update brief: %w", err)
		}
		return notifyChange(ctx, tx, crisis.ChangeUpdated, id, tenantID)
	})
	if err != nil {
		if !errors.Is(err, crisis.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	a, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, crisis.ErrNotFound
	}
	return a, nil
}

// Delete removes an alert (retention only). Audit and delivery rows cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "pgstore.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	err := s.withTx(ctx, span, func(tx pgx.Tx) error {
		var tenantID string
		err := tx.QueryRow(ctx,
			`DELETE FROM crisis_alerts WHERE id = $1 RETURNING tenant_id`, id,
		).Scan(&tenantID)
		if errors.Is(err, pgx.ErrNoRows) {
			return crisis.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("delete alert: %w", err)
		}
		return notifyChange(ctx, tx, crisis.ChangeDeleted, id, tenantID)
	})
	if err != nil && !errors.Is(err, crisis.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// withTx runs fn inside a transaction.
func (s *Store) withTx(ctx context.Context, span trace.Span, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", errors.Join(crisis.ErrUnavailable, err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lastStatusActor finds who most recently changed status, for precondition
// error messages.
func (s *Store) lastStatusActor(ctx context.Context, tx pgx.Tx, id string) (string, error) {
	var actor string
	err := tx.QueryRow(ctx,
		`SELECT actor_name FROM crisis_audit
		 WHERE alert_id = $1 AND action <> 'add_note'
		 ORDER BY seq DESC LIMIT 1`, id,
	).Scan(&actor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last actor: %w", err)
	}
	return actor, nil
}

// notifyChange announces a change inside the writing transaction, so the
// notification fires only on commit and never for a rolled-back write.
func notifyChange(ctx context.Context, tx pgx.Tx, kind crisis.ChangeKind, id, tenantID string) error {
	payload, err := json.Marshal(changePayload{Kind: string(kind), ID: id, TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

type changePayload struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
}

// loadDetail attaches the audit trail and delivery record to an alert.
func (s *Store) loadDetail(ctx context.Context, a *crisis.Alert) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, action, actor_id, actor_name, at, note
		 FROM crisis_audit WHERE alert_id = $1 ORDER BY seq`, a.ID)
	if err != nil {
		return fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      crisis.AuditEntry
			action string
		)
		if err := rows.Scan(&e.Seq, &action, &e.ActorID, &e.ActorName, &e.Timestamp, &e.Note); err != nil {
			return fmt.Errorf("scan audit: %w", err)
		}
		e.Action = crisis.ActionType(action)
		a.Audit = append(a.Audit, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit: %w", err)
	}

	a.Delivery = make(map[crisis.Channel]*crisis.Delivery, len(crisis.Channels))
	for _, ch := range crisis.Channels {
		a.Delivery[ch] = &crisis.Delivery{}
	}
	drows, err := s.pool.Query(ctx,
		`SELECT channel, sent_at FROM crisis_delivery WHERE alert_id = $1`, a.ID)
	if err != nil {
		return fmt.Errorf("query delivery: %w", err)
	}
	defer drows.Close()

	for drows.Next() {
		var (
			ch     string
			sentAt time.Time
		)
		if err := drows.Scan(&ch, &sentAt); err != nil {
			return fmt.Errorf("scan delivery: %w", err)
		}
		t := sentAt
		a.Delivery[crisis.Channel(ch)] = &crisis.Delivery{Sent: true, SentAt: &t}
	}
	if err := drows.Err(); err != nil {
		return fmt.Errorf("iterate delivery: %w", err)
	}
	return nil
}

// scanAlertRow scans a single row into an Alert (without audit/delivery).
// Returns (nil, nil) when no row is found.
func scanAlertRow(row pgx.Row) (*crisis.Alert, error) {
	var (
		a           crisis.Alert
		source      string
		status      string
		tier        int
		termsJSON   []byte
		payloadJSON []byte
		ackAt       *time.Time
		resAt       *time.Time
	)

	err := row.Scan(
		&a.ID, &a.TenantID, &a.PersonID, &a.PersonName, &a.AssignedResponderID, &a.AssignedResponderName,
		&source, &tier, &termsJSON, &a.Context, &a.FullMessage, &payloadJSON, &status, &a.Brief,
		&a.CreatedAt, &ackAt, &resAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	a.Source = crisis.Source(source)
	a.Status = crisis.Status(status)
	a.Tier = crisis.Tier(tier)
	a.AcknowledgedAt = ackAt
	a.ResolvedAt = resAt

	if err := json.Unmarshal(termsJSON, &a.TriggerTerms); err != nil {
		return nil, fmt.Errorf("unmarshal trigger terms: %w", err)
	}
	if err := unmarshalPayload(&a, payloadJSON); err != nil {
		return nil, err
	}
	return &a, nil
}

// marshalPayload serializes the source-matching payload variant.
func marshalPayload(a *crisis.Alert) ([]byte, error) {
	var v any
	switch a.Source {
	case crisis.SourcePanicButton:
		v = a.PanicButton
	case crisis.SourceAIDetection:
		v = a.AIDetection
	case crisis.SourceCheckin:
		v = a.Checkin
	}
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// unmarshalPayload routes the stored payload back into the variant matching
// the source tag.
func unmarshalPayload(a *crisis.Alert, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	switch a.Source {
	case crisis.SourcePanicButton:
		a.PanicButton = &crisis.PanicButtonPayload{}
		if err := json.Unmarshal(raw, a.PanicButton); err != nil {
			return fmt.Errorf("unmarshal panic payload: %w", err)
		}
	case crisis.SourceAIDetection:
		a.AIDetection = &crisis.AIDetectionPayload{}
		if err := json.Unmarshal(raw, a.AIDetection); err != nil {
			return fmt.Errorf("unmarshal ai payload: %w", err)
		}
	case crisis.SourceCheckin:
		a.Checkin = &crisis.CheckinPayload{}
		if err := json.Unmarshal(raw, a.Checkin); err != nil {
			return fmt.Errorf("unmarshal checkin payload: %w", err)
		}
	}
	return nil
}

func termsOrEmpty(terms []string) []string {
	if terms == nil {
		return []string{}
	}
	return terms
}
