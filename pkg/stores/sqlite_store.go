package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/policy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists policies and evaluation records in SQLite. It
// implements policy.Store and engine.AuditSink.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Policy storage

// Create implements policy.Store.
func (s *SQLiteStore) Create(ctx context.Context, p *policy.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to encode policy config: %w", err)
	}
	tagsJSON, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode policy tags: %w", err)
	}

	query := `
		INSERT INTO policies (id, organization_id, name, description, type, status, config, tags, created_by, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.OrganizationID,
		p.Name,
		p.Description,
		string(p.Type),
		string(p.Status),
		string(configJSON),
		string(tagsJSON),
		p.CreatedBy,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	return nil
}

// Get implements policy.Store.
func (s *SQLiteStore) Get(ctx context.Context, id, orgID string) (*policy.Policy, error) {
	query := `
		SELECT id, organization_id, name, description, type, status, config, tags, created_by, version, created_at, updated_at
		FROM policies
		WHERE id = ? AND organization_id = ?
	`

	p, err := s.scanPolicy(s.db.QueryRowContext(ctx, query, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", policy.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	return p, nil
}

// Update implements policy.Store. The stored type is immutable.
func (s *SQLiteStore) Update(ctx context.Context, p *policy.Policy) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingType string
	var existingVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT type, version FROM policies WHERE id = ? AND organization_id = ?`,
		p.ID, p.OrganizationID,
	).Scan(&existingType, &existingVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", policy.ErrNotFound, p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to load policy for update: %w", err)
	}

	if string(p.Type) != existingType {
		return fmt.Errorf("%w: cannot change %q to %q", policy.ErrTypeImmutable, existingType, p.Type)
	}
	// Activation-time validation keeps malformed configs out of the
	// evaluation path.
	if p.Status == policy.StatusActive {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to encode policy config: %w", err)
	}
	tagsJSON, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode policy tags: %w", err)
	}

	now := time.Now().UTC()
	newVersion := existingVersion + 1

	_, err = tx.ExecContext(ctx, `
		UPDATE policies
		SET name = ?, description = ?, status = ?, config = ?, tags = ?, version = ?, updated_at = ?
		WHERE id = ? AND organization_id = ?
	`,
		p.Name,
		p.Description,
		string(p.Status),
		string(configJSON),
		string(tagsJSON),
		newVersion,
		now,
		p.ID,
		p.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy update: %w", err)
	}

	p.Version = newVersion
	p.UpdatedAt = now
	return nil
}

// Delete implements policy.Store.
func (s *SQLiteStore) Delete(ctx context.Context, id, orgID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM policies WHERE id = ? AND organization_id = ?`, id, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", policy.ErrNotFound, id)
	}

	return nil
}

// List implements policy.Store. Policies come back in creation order.
func (s *SQLiteStore) List(ctx context.Context, orgID string) ([]*policy.Policy, error) {
	query := `
		SELECT id, organization_id, name, description, type, status, config, tags, created_by, version, created_at, updated_at
		FROM policies
		WHERE organization_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	policies := []*policy.Policy{}
	for rows.Next() {
		p, err := s.scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}

	return policies, nil
}

// Snapshot implements policy.Store.
func (s *SQLiteStore) Snapshot(ctx context.Context, orgID string) (*policy.Snapshot, error) {
	policies, err := s.List(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return policy.NewSnapshot(policies), nil
}

// scanner abstracts sql.Row and sql.Rows for scanPolicy.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanPolicy(row scanner) (*policy.Policy, error) {
	var p policy.Policy
	var typ, status, configJSON, tagsJSON string

	err := row.Scan(
		&p.ID,
		&p.OrganizationID,
		&p.Name,
		&p.Description,
		&typ,
		&status,
		&configJSON,
		&tagsJSON,
		&p.CreatedBy,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Type = policy.Type(typ)
	p.Status = policy.Status(status)

	cfg, err := policy.DecodeConfigJSON(p.Type, []byte(configJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config for policy %s: %w", p.ID, err)
	}
	p.Config = cfg

	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for policy %s: %w", p.ID, err)
		}
	}

	return &p, nil
}

// Evaluation storage

// Record implements engine.AuditSink by persisting the evaluation.
func (s *SQLiteStore) Record(ctx context.Context, result *engine.EvaluationResult) error {
	return s.SaveEvaluation(ctx, result)
}

// SaveEvaluation persists one completed evaluation result.
func (s *SQLiteStore) SaveEvaluation(ctx context.Context, result *engine.EvaluationResult) error {
	if result == nil {
		return fmt.Errorf("evaluation result is nil")
	}

	resultsJSON, err := json.Marshal(result.PolicyResults)
	if err != nil {
		return fmt.Errorf("failed to encode policy results: %w", err)
	}
	metadataJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			id, request_id, organization_id, status, overall_score, has_violations,
			blocked_by, policy_results, total_execution_time_ms, metadata,
			error_message, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		result.RequestID,
		result.OrganizationID,
		string(result.Status),
		result.OverallScore,
		result.HasViolations,
		nullString(result.BlockedBy),
		string(resultsJSON),
		result.TotalExecutionTimeMS,
		string(metadataJSON),
		nullString(result.ErrorMessage),
		result.CreatedAt,
		result.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}

	return nil
}

// GetEvaluation retrieves an evaluation result by ID.
func (s *SQLiteStore) GetEvaluation(ctx context.Context, id, orgID string) (*engine.EvaluationResult, error) {
	query := `
		SELECT id, request_id, organization_id, status, overall_score, has_violations,
		       blocked_by, policy_results, total_execution_time_ms, metadata,
		       error_message, created_at, completed_at
		FROM evaluations
		WHERE id = ? AND organization_id = ?
	`

	result, err := s.scanEvaluation(s.db.QueryRowContext(ctx, query, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}

	return result, nil
}

// ListEvaluations lists evaluation results for an organization, newest
// first, with pagination.
func (s *SQLiteStore) ListEvaluations(ctx context.Context, orgID string, limit, offset int) ([]*engine.EvaluationResult, error) {
	query := `
		SELECT id, request_id, organization_id, status, overall_score, has_violations,
		       blocked_by, policy_results, total_execution_time_ms, metadata,
		       error_message, created_at, completed_at
		FROM evaluations
		WHERE organization_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	results := []*engine.EvaluationResult{}
	for rows.Next() {
		result, err := s.scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluations: %w", err)
	}

	return results, nil
}

// PurgeEvaluationsBefore deletes evaluation records older than cutoff
// and returns the number removed.
func (s *SQLiteStore) PurgeEvaluationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM evaluations WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge evaluations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// Stats returns evaluation and policy statistics for an organization.
func (s *SQLiteStore) Stats(ctx context.Context, orgID string) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN has_violations THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(overall_score), 0),
		       COALESCE(AVG(total_execution_time_ms), 0)
		FROM evaluations
		WHERE organization_id = ?
	`, orgID).Scan(
		&stats.TotalEvaluations,
		&stats.CompletedCount,
		&stats.BlockedCount,
		&stats.FailedCount,
		&stats.ViolationCount,
		&stats.AverageScore,
		&stats.AverageDurationMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluation stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0)
		FROM policies
		WHERE organization_id = ?
	`, orgID).Scan(&stats.TotalPolicyCount, &stats.ActivePolicyCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy stats: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStore) scanEvaluation(row scanner) (*engine.EvaluationResult, error) {
	var result engine.EvaluationResult
	var status, resultsJSON string
	var blockedBy, metadataJSON, errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&result.ID,
		&result.RequestID,
		&result.OrganizationID,
		&status,
		&result.OverallScore,
		&result.HasViolations,
		&blockedBy,
		&resultsJSON,
		&result.TotalExecutionTimeMS,
		&metadataJSON,
		&errorMessage,
		&result.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	result.Status = engine.Status(status)
	result.BlockedBy = blockedBy.String
	result.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		result.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(resultsJSON), &result.PolicyResults); err != nil {
		return nil, fmt.Errorf("failed to decode policy results for %s: %w", result.ID, err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &result.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", result.ID, err)
		}
	}

	return &result, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
