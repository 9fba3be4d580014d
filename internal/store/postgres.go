package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// Schema creates the tables used by PostgresStore. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS applications (
	id               TEXT PRIMARY KEY,
	type_id          TEXT        NOT NULL,
	template_version TEXT        NOT NULL,
	applicant_id     TEXT        NOT NULL,
	assignee_ids     JSONB       NOT NULL DEFAULT '[]',
	state            TEXT        NOT NULL,
	answers          JSONB       NOT NULL DEFAULT '{}',
	external_data    JSONB       NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL,
	modified_at      TIMESTAMPTZ NOT NULL,
	listed           BOOLEAN     NOT NULL DEFAULT FALSE,
	prune_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS applications_type_listed_idx ON applications (type_id, listed, modified_at DESC);
CREATE INDEX IF NOT EXISTS applications_prune_at_idx ON applications (prune_at) WHERE prune_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS application_events (
	id             TEXT PRIMARY KEY,
	application_id TEXT        NOT NULL REFERENCES applications (id) ON DELETE CASCADE,
	event          TEXT        NOT NULL,
	from_state     TEXT        NOT NULL,
	to_state       TEXT        NOT NULL,
	actor_id       TEXT        NOT NULL,
	roles          JSONB,
	data           JSONB,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS application_events_app_idx ON application_events (application_id, created_at);

CREATE TABLE IF NOT EXISTS side_effect_outbox (
	id              TEXT PRIMARY KEY,
	application_id  TEXT        NOT NULL,
	seq             BIGSERIAL,
	effect          JSONB       NOT NULL,
	status          TEXT        NOT NULL,
	attempts        INTEGER     NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT        NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS side_effect_outbox_pending_idx ON side_effect_outbox (application_id, seq) WHERE status = 'pending';
`

const applicationColumns = `id, type_id, template_version, applicant_id, assignee_ids, state,
	answers, external_data, created_at, modified_at, listed, prune_at`

// PostgresStore is a PostgreSQL-backed Store using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Connect opens a pool for cfg and verifies it with a ping.
func Connect(ctx context.Context, dsn string, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse database DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Create inserts a new application, its creation event and its initial
// outbox entries in one transaction.
func (s *PostgresStore) Create(ctx context.Context, app *model.Application, event model.ApplicationEvent, effects []model.SideEffect) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cols, err := applicationValues(app)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO applications (`+applicationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			cols...,
		); err != nil {
			return fmt.Errorf("store: insert application: %w", err)
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
		return s.insertEffects(ctx, tx, app.ID, effects)
	})
}

// Get returns the application with the given ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Application, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: query application: %w", err)
	}
	return app, nil
}

// Commit applies c with a compare-and-swap on (state, modified_at).
func (s *PostgresStore) Commit(ctx context.Context, c Commit) error {
	app := c.Application
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		assignees, answers, external, err := marshalDocuments(app)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE applications SET
				assignee_ids = $1,
				state = $2,
				answers = $3,
				external_data = $4,
				modified_at = $5,
				listed = $6,
				prune_at = $7
			WHERE id = $8 AND state = $9 AND modified_at = $10`,
			assignees, app.State, answers, external, app.Modified, app.Listed, app.PruneAt,
			app.ID, c.Expected.State, c.Expected.Modified,
		)
		if err != nil {
			return fmt.Errorf("store: update application: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrStale(ctx, tx, app.ID)
		}

		if c.Event != nil {
			if err := insertEvent(ctx, tx, *c.Event); err != nil {
				return err
			}
		}
		return s.insertEffects(ctx, tx, app.ID, c.Effects)
	})
}

// Delete removes an application if it still matches expected. Events go
// with it through the foreign key.
func (s *PostgresStore) Delete(ctx context.Context, id string, expected model.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM applications
			WHERE id = $1 AND state = $2 AND modified_at = $3`,
			id, expected.State, expected.Modified,
		)
		if err != nil {
			return fmt.Errorf("store: delete application: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrStale(ctx, tx, id)
		}
		return nil
	})
}

// List returns matching applications, most recently modified first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*model.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE TRUE`
	var args []any
	argIdx := 1

	if filter.TypeID != "" {
		query += fmt.Sprintf(" AND type_id = $%d", argIdx)
		args = append(args, filter.TypeID)
		argIdx++
	}
	if filter.ListedOnly {
		query += " AND listed"
	}

	query += " ORDER BY modified_at DESC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryApplications(ctx, query, args...)
}

// FindPrunable returns applications whose prune time has passed.
func (s *PostgresStore) FindPrunable(ctx context.Context, now time.Time, after *PruneCursor, limit int) ([]*model.Application, error) {
	query := `SELECT ` + applicationColumns + `
		FROM applications
		WHERE prune_at IS NOT NULL AND prune_at <= $1`
	args := []any{now}
	if after != nil {
		query += ` AND (prune_at, id) > ($2, $3)`
		args = append(args, after.PruneAt, after.ID)
	}
	query += ` ORDER BY prune_at ASC, id ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryApplications(ctx, query, args...)
}

// Events returns the audit trail of an application.
func (s *PostgresStore) Events(ctx context.Context, id string) ([]model.ApplicationEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, event, from_state, to_state, actor_id, roles, data, created_at
		FROM application_events
		WHERE application_id = $1
		ORDER BY created_at ASC, id ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []model.ApplicationEvent
	for rows.Next() {
		var evt model.ApplicationEvent
		var rolesJSON, dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.ApplicationID, &evt.Event, &evt.FromState, &evt.ToState,
			&evt.ActorID, &rolesJSON, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if rolesJSON != nil {
			if err := json.Unmarshal(rolesJSON, &evt.Roles); err != nil {
				return nil, fmt.Errorf("store: unmarshal event roles: %w", err)
			}
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, fmt.Errorf("store: unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// PendingEffects returns due pending entries, withholding entries queued
// behind one that is still backing off.
func (s *PostgresStore) PendingEffects(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.application_id, o.seq, o.effect, o.status, o.attempts,
		       o.next_attempt_at, o.last_error, o.created_at, o.updated_at
		FROM side_effect_outbox o
		WHERE o.status = 'pending'
		  AND o.next_attempt_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM side_effect_outbox p
			WHERE p.application_id = o.application_id
			  AND p.status = 'pending'
			  AND p.seq < o.seq
			  AND p.next_attempt_at > $1
		  )
		ORDER BY o.application_id, o.seq
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		var effectJSON []byte
		if err := rows.Scan(
			&e.ID, &e.ApplicationID, &e.Seq, &effectJSON, &e.Status, &e.Attempts,
			&e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan outbox entry: %w", err)
		}
		if err := json.Unmarshal(effectJSON, &e.Effect); err != nil {
			return nil, fmt.Errorf("store: unmarshal outbox effect: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateEffect stores the delivery state of an entry.
func (s *PostgresStore) UpdateEffect(ctx context.Context, entry model.OutboxEntry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE side_effect_outbox SET
			status = $1,
			attempts = $2,
			next_attempt_at = $3,
			last_error = $4,
			updated_at = $5
		WHERE id = $6`,
		entry.Status, entry.Attempts, entry.NextAttemptAt, entry.LastError, entry.UpdatedAt, entry.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("outbox entry %q not found", entry.ID))
	}
	return nil
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// missOrStale tells a missing application from a snapshot mismatch after a
// conditional write touched no rows.
func (s *PostgresStore) missOrStale(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("store: check application: %w", err)
	}
	if !exists {
		return notFound(id)
	}
	return model.NewStaleStateError(id)
}

func (s *PostgresStore) insertEffects(ctx context.Context, tx pgx.Tx, appID string, effects []model.SideEffect) error {
	if len(effects) == 0 {
		return nil
	}
	now := s.now().UTC()
	batch := &pgx.Batch{}
	for _, eff := range effects {
		effectJSON, err := json.Marshal(eff)
		if err != nil {
			return fmt.Errorf("store: marshal effect: %w", err)
		}
		// seq is assigned by the sequence in insertion order.
		batch.Queue(`
			INSERT INTO side_effect_outbox (
				id, application_id, effect, status, attempts, next_attempt_at, last_error, created_at, updated_at
			) VALUES ($1, $2, $3, $4, 0, $5, '', $5, $5)`,
			uuid.NewString(), appID, effectJSON, model.EffectPending, now,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: insert outbox entries: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event model.ApplicationEvent) error {
	rolesJSON, err := json.Marshal(event.Roles)
	if err != nil {
		return fmt.Errorf("store: marshal event roles: %w", err)
	}
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("store: marshal event data: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO application_events (
			id, application_id, event, from_state, to_state, actor_id, roles, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.ApplicationID, event.Event, event.FromState, event.ToState,
		event.ActorID, rolesJSON, dataJSON, event.Timestamp,
	); err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryApplications(ctx context.Context, query string, args ...any) ([]*model.Application, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query applications: %w", err)
	}
	defer rows.Close()

	var apps []*model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func scanApplication(row pgx.Row) (*model.Application, error) {
	var app model.Application
	var assignees, answers, external []byte
	if err := row.Scan(
		&app.ID, &app.TypeID, &app.TemplateVersion, &app.ApplicantID, &assignees, &app.State,
		&answers, &external, &app.Created, &app.Modified, &app.Listed, &app.PruneAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(assignees, &app.AssigneeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal assignees: %w", err)
	}
	if err := json.Unmarshal(answers, &app.Answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	if err := json.Unmarshal(external, &app.ExternalData); err != nil {
		return nil, fmt.Errorf("unmarshal external data: %w", err)
	}
	app.Created = app.Created.UTC()
	app.Modified = app.Modified.UTC()
	if app.PruneAt != nil {
		t := app.PruneAt.UTC()
		app.PruneAt = &t
	}
	return &app, nil
}

// marshalDocuments encodes the JSONB columns of app.
func marshalDocuments(app *model.Application) (assignees, answers, external []byte, err error) {
	if assignees, err = json.Marshal(nonNilStrings(app.AssigneeIDs)); err != nil {
		return nil, nil, nil, fmt.Errorf("store: marshal assignees: %w", err)
	}
	if answers, err = json.Marshal(nonNilMap(app.Answers)); err != nil {
		return nil, nil, nil, fmt.Errorf("store: marshal answers: %w", err)
	}
	if external, err = json.Marshal(nonNilExternal(app.ExternalData)); err != nil {
		return nil, nil, nil, fmt.Errorf("store: marshal external data: %w", err)
	}
	return assignees, answers, external, nil
}

func applicationValues(app *model.Application) ([]any, error) {
	assignees, answers, external, err := marshalDocuments(app)
	if err != nil {
		return nil, err
	}
	return []any{
		app.ID, app.TypeID, app.TemplateVersion, app.ApplicantID, assignees, app.State,
		answers, external, app.Created, app.Modified, app.Listed, app.PruneAt,
	}, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilExternal(m map[string]model.ExternalDataEntry) map[string]model.ExternalDataEntry {
	if m == nil {
		return map[string]model.ExternalDataEntry{}
	}
	return m
}
