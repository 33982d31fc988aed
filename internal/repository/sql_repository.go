package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"pipeline-orchestrator/internal/models"
)

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLRepository implements Store on SQLite or PostgreSQL
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// NewSQLiteRepository opens (and creates) a SQLite database file in WAL mode
// with a busy timeout, so concurrent runs do not fail with SQLITE_BUSY.
func NewSQLiteRepository(dbPath string) (*SQLRepository, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return open(DriverSQLite, dbPath+sep+"_journal_mode=WAL&_timeout=5000")
}

// NewPostgresRepository connects to PostgreSQL through the pgx stdlib driver
func NewPostgresRepository(dsn string) (*SQLRepository, error) {
	return open(DriverPostgres, dsn)
}

// Open picks the constructor for driver
func Open(driver, dsn string) (*SQLRepository, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteRepository(dsn)
	case DriverPostgres:
		return NewPostgresRepository(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// open connects with the given driver and initializes the schema
func open(driver, dsn string) (*SQLRepository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLRepository{db: db, driver: driver}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		state TEXT NOT NULL,
		config TEXT NOT NULL,
		results TEXT NOT NULL,
		steps TEXT NOT NULL,
		errors TEXT NOT NULL,
		metadata TEXT,
		started_at BIGINT NOT NULL,
		completed_at BIGINT,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_state ON pipeline_runs(state)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		pipeline_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		error_message TEXT NOT NULL,
		config_snapshot TEXT NOT NULL,
		reprocessed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		resolved_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letter_tenant ON dead_letter_items(tenant_id, resolved_at, created_at)`,
}

// initSchema initializes the database schema
func (r *SQLRepository) initSchema() error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL
func (r *SQLRepository) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Ping checks the database responds
func (r *SQLRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// UpsertRun inserts the run or overwrites the row with the same tenant and
// id. A stored run in a terminal state is never overwritten; ErrRunTerminal
// is returned instead.
func (r *SQLRepository) UpsertRun(ctx context.Context, run *models.PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (id, tenant_id, state, config, results, steps, errors, metadata, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			state = excluded.state,
			config = excluded.config,
			results = excluded.results,
			steps = excluded.steps,
			errors = excluded.errors,
			metadata = excluded.metadata,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
		WHERE pipeline_runs.state NOT IN ('completed', 'failed', 'cancelled')
	`

	config, err := marshalColumn("config", run.Config)
	if err != nil {
		return err
	}
	results, err := marshalColumn("results", run.Results)
	if err != nil {
		return err
	}
	steps, err := marshalColumn("steps", run.Steps)
	if err != nil {
		return err
	}
	errs, err := marshalColumn("errors", run.Errors)
	if err != nil {
		return err
	}
	metadata, err := marshalColumn("metadata", run.Metadata)
	if err != nil {
		return err
	}

	now := time.Now()
	run.UpdatedAt = now

	var completedAt sql.NullInt64
	if run.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: run.CompletedAt.UnixMilli(), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID,
		run.TenantID,
		run.State,
		config,
		results,
		steps,
		errs,
		metadata,
		run.StartedAt.UnixMilli(),
		completedAt,
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pipeline run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert pipeline run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunTerminal, run.ID)
	}

	return nil
}

// GetRun retrieves a run by tenant and id
func (r *SQLRepository) GetRun(ctx context.Context, tenantID, id string) (*models.PipelineRun, error) {
	query := `
		SELECT id, tenant_id, state, config, results, steps, errors, metadata, started_at, completed_at, updated_at
		FROM pipeline_runs
		WHERE tenant_id = ? AND id = ?
	`

	var run models.PipelineRun
	var config, results, steps, errs string
	var metadata sql.NullString
	var startedAt, updatedAt int64
	var completedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&run.ID,
		&run.TenantID,
		&run.State,
		&config,
		&results,
		&steps,
		&errs,
		&metadata,
		&startedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}

	if err := unmarshalColumn("config", config, &run.Config); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("results", results, &run.Results); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("steps", steps, &run.Steps); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("errors", errs, &run.Errors); err != nil {
		return nil, err
	}
	if metadata.Valid {
		if err := unmarshalColumn("metadata", metadata.String, &run.Metadata); err != nil {
			return nil, err
		}
	}

	run.StartedAt = time.UnixMilli(startedAt)
	run.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		run.CompletedAt = &t
	}

	return &run, nil
}

// AddDeadLetter appends a dead letter item
func (r *SQLRepository) AddDeadLetter(ctx context.Context, item *models.DeadLetterItem) error {
	query := `
		INSERT INTO dead_letter_items (id, tenant_id, pipeline_id, step_name, error_message, config_snapshot, reprocessed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	snapshot := string(item.ConfigSnapshot)
	if snapshot == "" {
		snapshot = "{}"
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		item.ID,
		item.TenantID,
		item.PipelineID,
		item.StepName,
		item.ErrorMessage,
		snapshot,
		item.Reprocessed,
		item.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter item: %w", err)
	}

	return nil
}

const deadLetterColumns = `id, tenant_id, pipeline_id, step_name, error_message, config_snapshot, reprocessed, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*models.DeadLetterItem, error) {
	var item models.DeadLetterItem
	var snapshot string
	var createdAt int64
	var resolvedAt sql.NullInt64

	if err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.PipelineID,
		&item.StepName,
		&item.ErrorMessage,
		&snapshot,
		&item.Reprocessed,
		&createdAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	item.ConfigSnapshot = json.RawMessage(snapshot)
	item.CreatedAt = time.UnixMilli(createdAt)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		item.ResolvedAt = &t
	}
	return &item, nil
}

// GetDeadLetter retrieves a dead letter item by id
func (r *SQLRepository) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterItem, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_items WHERE id = ?`

	item, err := scanDeadLetter(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("failed to get dead letter item: %w", err)
	}
	return item, nil
}

// ListUnresolved retrieves unresolved dead letter items, most recent first
func (r *SQLRepository) ListUnresolved(ctx context.Context, tenantID string, limit int) ([]*models.DeadLetterItem, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_items WHERE resolved_at IS NULL`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryDeadLetters(ctx, query, args...)
}

// ListReplayable retrieves unresolved items that did not come from a
// reprocess, oldest first
func (r *SQLRepository) ListReplayable(ctx context.Context, limit int) ([]*models.DeadLetterItem, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_items
		WHERE resolved_at IS NULL AND reprocessed = ?
		ORDER BY created_at ASC, id ASC`
	args := []any{false}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryDeadLetters(ctx, query, args...)
}

func (r *SQLRepository) queryDeadLetters(ctx context.Context, query string, args ...any) ([]*models.DeadLetterItem, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter items: %w", err)
	}
	defer rows.Close()

	var items []*models.DeadLetterItem
	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letter items: %w", err)
	}

	return items, nil
}

// MarkResolved stamps resolved_at on an unresolved item
func (r *SQLRepository) MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error {
	query := `UPDATE dead_letter_items SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`

	res, err := r.db.ExecContext(ctx, r.rebind(query), resolvedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter item: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := r.GetDeadLetter(ctx, id); err != nil {
		return err
	}
	return ErrDeadLetterResolved
}

func marshalColumn(name string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return string(data), nil
}

func unmarshalColumn(name, data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return nil
}
