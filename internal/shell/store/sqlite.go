package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Interface Dispatch
// =============================================================================

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, s.db, d)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, s.db, d)
}

func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	return deleteDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, filter, opts)
}

func (s *SQLiteStore) CreateAction(ctx context.Context, a *domain.DeploymentAction) error {
	return createAction(ctx, s.db, a)
}

func (s *SQLiteStore) CompleteAction(ctx context.Context, a *domain.DeploymentAction) error {
	return completeAction(ctx, s.db, a)
}

func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*domain.DeploymentAction, error) {
	return getAction(ctx, s.db, id)
}

func (s *SQLiteStore) ListActions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.DeploymentAction, error) {
	return listActions(ctx, s.db, deploymentID, opts)
}

func (s *SQLiteStore) RecordVersion(ctx context.Context, r *domain.VersionRecord) error {
	return recordVersion(ctx, s.db, r)
}

func (s *SQLiteStore) ListVersions(ctx context.Context, projectID string, env domain.Environment, limit int) ([]domain.VersionRecord, error) {
	return listVersions(ctx, s.db, projectID, env, limit)
}

func (s *SQLiteStore) ResolveVersion(ctx context.Context, projectID string, env domain.Environment, version string) (*domain.VersionRecord, error) {
	return resolveVersion(ctx, s.db, projectID, env, version)
}

func (s *SQLiteStore) ListHistory(ctx context.Context, projectID string, env *domain.Environment, limit int) ([]domain.VersionRecord, error) {
	return listHistory(ctx, s.db, projectID, env, limit)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, s.tx, d)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, d)
}

func (s *txSQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	return deleteDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, filter, opts)
}

func (s *txSQLiteStore) CreateAction(ctx context.Context, a *domain.DeploymentAction) error {
	return createAction(ctx, s.tx, a)
}

func (s *txSQLiteStore) CompleteAction(ctx context.Context, a *domain.DeploymentAction) error {
	return completeAction(ctx, s.tx, a)
}

func (s *txSQLiteStore) GetAction(ctx context.Context, id string) (*domain.DeploymentAction, error) {
	return getAction(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListActions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.DeploymentAction, error) {
	return listActions(ctx, s.tx, deploymentID, opts)
}

func (s *txSQLiteStore) RecordVersion(ctx context.Context, r *domain.VersionRecord) error {
	return recordVersion(ctx, s.tx, r)
}

func (s *txSQLiteStore) ListVersions(ctx context.Context, projectID string, env domain.Environment, limit int) ([]domain.VersionRecord, error) {
	return listVersions(ctx, s.tx, projectID, env, limit)
}

func (s *txSQLiteStore) ResolveVersion(ctx context.Context, projectID string, env domain.Environment, version string) (*domain.VersionRecord, error) {
	return resolveVersion(ctx, s.tx, projectID, env, version)
}

func (s *txSQLiteStore) ListHistory(ctx context.Context, projectID string, env *domain.Environment, limit int) ([]domain.VersionRecord, error) {
	return listHistory(ctx, s.tx, projectID, env, limit)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Deployment Rows
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID           string  `db:"id"`
	ProjectID    string  `db:"project_id"`
	Environment  string  `db:"environment"`
	Version      string  `db:"version"`
	Status       string  `db:"status"`
	ContainerRef string  `db:"container_ref"`
	URL          string  `db:"url"`
	HostPort     int     `db:"host_port"`
	Config       string  `db:"config"`
	ErrorMessage string  `db:"error_message"`
	LastActionID string  `db:"last_action_id"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	StartedAt    *string `db:"started_at"`
	StoppedAt    *string `db:"stopped_at"`
}

func (r deploymentRow) toDomain() (*domain.Deployment, error) {
	var cfg domain.Config
	if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
		return nil, NewStoreError("toDomain", "deployment", r.ID, "failed to parse config", ErrInvalidData)
	}

	createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, r.UpdatedAt)

	d := &domain.Deployment{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Environment:  domain.Environment(r.Environment),
		Version:      r.Version,
		Status:       domain.DeploymentStatus(r.Status),
		ContainerRef: r.ContainerRef,
		URL:          r.URL,
		Port:         r.HostPort,
		Config:       cfg,
		ErrorMessage: r.ErrorMessage,
		LastActionID: r.LastActionID,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if r.StartedAt != nil {
		t, _ := time.Parse(time.RFC3339, *r.StartedAt)
		d.StartedAt = &t
	}
	if r.StoppedAt != nil {
		t, _ := time.Parse(time.RFC3339, *r.StoppedAt)
		d.StoppedAt = &t
	}
	return d, nil
}

func deploymentToRowMap(op string, d *domain.Deployment) (map[string]any, error) {
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize config", ErrInvalidData)
	}

	row := map[string]any{
		"id":             d.ID,
		"project_id":     d.ProjectID,
		"environment":    string(d.Environment),
		"version":        d.Version,
		"status":         string(d.Status),
		"container_ref":  d.ContainerRef,
		"url":            d.URL,
		"host_port":      d.Port,
		"config":         string(configJSON),
		"error_message":  d.ErrorMessage,
		"last_action_id": d.LastActionID,
		"created_at":     d.CreatedAt.Format(time.RFC3339),
		"updated_at":     d.UpdatedAt.Format(time.RFC3339),
		"started_at":     nil,
		"stopped_at":     nil,
	}
	if d.StartedAt != nil {
		row["started_at"] = d.StartedAt.Format(time.RFC3339)
	}
	if d.StoppedAt != nil {
		row["stopped_at"] = d.StoppedAt.Format(time.RFC3339)
	}
	return row, nil
}

// =============================================================================
// Deployment Implementation
// =============================================================================

func createDeployment(ctx context.Context, exec executor, d *domain.Deployment) error {
	row, err := deploymentToRowMap("CreateDeployment", d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (
			id, project_id, environment, version, status, container_ref,
			url, host_port, config, error_message, last_action_id,
			created_at, updated_at, started_at, stopped_at
		) VALUES (
			:id, :project_id, :environment, :version, :status, :container_ref,
			:url, :host_port, :config, :error_message, :last_action_id,
			:created_at, :updated_at, :started_at, :stopped_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", d.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateDeployment", "deployment", d.ID, err.Error(), err)
	}
	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	var row deploymentRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}
	return row.toDomain()
}

func updateDeployment(ctx context.Context, exec executor, d *domain.Deployment) error {
	row, err := deploymentToRowMap("UpdateDeployment", d)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments SET
			project_id = :project_id, environment = :environment,
			version = :version, status = :status, container_ref = :container_ref,
			url = :url, host_port = :host_port, config = :config,
			error_message = :error_message, last_action_id = :last_action_id,
			updated_at = :updated_at, started_at = :started_at, stopped_at = :stopped_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", d.ID, err.Error(), err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewStoreError("UpdateDeployment", "deployment", d.ID, "not found", ErrNotFound)
	}
	return nil
}

func deleteDeployment(ctx context.Context, exec executor, id string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return NewStoreError("DeleteDeployment", "deployment", id, err.Error(), err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewStoreError("DeleteDeployment", "deployment", id, "not found", ErrNotFound)
	}
	return nil
}

func listDeployments(ctx context.Context, exec executor, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM deployments`
	var clauses []string
	var args []any

	if filter.ProjectID != nil {
		clauses = append(clauses, "project_id = ?")
		args = append(args, *filter.ProjectID)
	}
	if filter.Environment != nil {
		clauses = append(clauses, "environment = ?")
		args = append(args, string(*filter.Environment))
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*filter.Status))
	} else {
		// Deleted deployments leave active listings unless asked for
		clauses = append(clauses, "status != ?")
		args = append(args, string(domain.StatusDeleted))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, nil
}

// =============================================================================
// Action Implementation
// =============================================================================

// actionRow represents an action row in the database.
type actionRow struct {
	ID           string  `db:"id"`
	DeploymentID string  `db:"deployment_id"`
	Kind         string  `db:"kind"`
	Outcome      string  `db:"outcome"`
	ErrorDetail  string  `db:"error_detail"`
	RequestedAt  string  `db:"requested_at"`
	CompletedAt  *string `db:"completed_at"`
}

func (r actionRow) toDomain() *domain.DeploymentAction {
	requestedAt, _ := time.Parse(time.RFC3339, r.RequestedAt)
	a := &domain.DeploymentAction{
		ID:           r.ID,
		DeploymentID: r.DeploymentID,
		Kind:         domain.ActionKind(r.Kind),
		Outcome:      domain.ActionOutcome(r.Outcome),
		ErrorDetail:  r.ErrorDetail,
		RequestedAt:  requestedAt,
	}
	if r.CompletedAt != nil {
		t, _ := time.Parse(time.RFC3339, *r.CompletedAt)
		a.CompletedAt = &t
	}
	return a
}

func createAction(ctx context.Context, exec executor, a *domain.DeploymentAction) error {
	query := `
		INSERT INTO deployment_actions (id, deployment_id, kind, outcome, error_detail, requested_at, completed_at)
		VALUES (:id, :deployment_id, :kind, :outcome, :error_detail, :requested_at, :completed_at)`

	row := map[string]any{
		"id":            a.ID,
		"deployment_id": a.DeploymentID,
		"kind":          string(a.Kind),
		"outcome":       string(a.Outcome),
		"error_detail":  a.ErrorDetail,
		"requested_at":  a.RequestedAt.Format(time.RFC3339),
		"completed_at":  nil,
	}
	if a.CompletedAt != nil {
		row["completed_at"] = a.CompletedAt.Format(time.RFC3339)
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("CreateAction", "action", a.ID, "action with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateAction", "action", a.ID, err.Error(), err)
	}
	return nil
}

func completeAction(ctx context.Context, exec executor, a *domain.DeploymentAction) error {
	if a.CompletedAt == nil {
		return NewStoreError("CompleteAction", "action", a.ID, "no completion recorded", ErrInvalidData)
	}

	// Guard against double completion; completed actions are immutable.
	query := `
		UPDATE deployment_actions
		SET outcome = ?, error_detail = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL`

	result, err := exec.ExecContext(ctx, query,
		string(a.Outcome), a.ErrorDetail, a.CompletedAt.Format(time.RFC3339), a.ID)
	if err != nil {
		return NewStoreError("CompleteAction", "action", a.ID, err.Error(), err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewStoreError("CompleteAction", "action", a.ID, "already completed or missing", ErrActionCompleted)
	}
	return nil
}

func getAction(ctx context.Context, exec executor, id string) (*domain.DeploymentAction, error) {
	var row actionRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM deployment_actions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetAction", "action", id, "not found", ErrNotFound)
		}
		return nil, NewStoreError("GetAction", "action", id, err.Error(), err)
	}
	return row.toDomain(), nil
}

func listActions(ctx context.Context, exec executor, deploymentID string, opts ListOptions) ([]domain.DeploymentAction, error) {
	opts = opts.Normalize()

	var rows []actionRow
	query := `
		SELECT * FROM deployment_actions
		WHERE deployment_id = ?
		ORDER BY requested_at DESC, id DESC
		LIMIT ? OFFSET ?`
	if err := exec.SelectContext(ctx, &rows, query, deploymentID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListActions", "action", deploymentID, err.Error(), err)
	}

	actions := make([]domain.DeploymentAction, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, *row.toDomain())
	}
	return actions, nil
}

// =============================================================================
// Version History Implementation
// =============================================================================

// versionRow represents a version record row in the database.
type versionRow struct {
	ProjectID    string `db:"project_id"`
	Environment  string `db:"environment"`
	Version      string `db:"version"`
	Config       string `db:"config"`
	DeploymentID string `db:"deployment_id"`
	RecordedAt   string `db:"recorded_at"`
}

func (r versionRow) toDomain() (*domain.VersionRecord, error) {
	var cfg domain.Config
	if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
		return nil, NewStoreError("toDomain", "version", r.Version, "failed to parse config snapshot", ErrInvalidData)
	}
	recordedAt, _ := time.Parse(time.RFC3339, r.RecordedAt)
	return &domain.VersionRecord{
		ProjectID:      r.ProjectID,
		Environment:    domain.Environment(r.Environment),
		Version:        r.Version,
		ConfigSnapshot: cfg,
		DeploymentID:   r.DeploymentID,
		RecordedAt:     recordedAt,
	}, nil
}

func recordVersion(ctx context.Context, exec executor, r *domain.VersionRecord) error {
	configJSON, err := json.Marshal(r.ConfigSnapshot)
	if err != nil {
		return NewStoreError("RecordVersion", "version", r.Version, "failed to serialize config snapshot", ErrInvalidData)
	}

	// The ledger is append-only and keyed by (project, environment, version):
	// re-running a version (e.g. a rollback) keeps the original record.
	query := `
		INSERT INTO version_records (project_id, environment, version, config, deployment_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, environment, version) DO NOTHING`

	_, err = exec.ExecContext(ctx, query,
		r.ProjectID, string(r.Environment), r.Version,
		string(configJSON), r.DeploymentID, r.RecordedAt.Format(time.RFC3339))
	if err != nil {
		return NewStoreError("RecordVersion", "version", r.Version, err.Error(), err)
	}
	return nil
}

func listVersions(ctx context.Context, exec executor, projectID string, env domain.Environment, limit int) ([]domain.VersionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []versionRow
	query := `
		SELECT * FROM version_records
		WHERE project_id = ? AND environment = ?
		ORDER BY recorded_at DESC, version DESC
		LIMIT ?`
	if err := exec.SelectContext(ctx, &rows, query, projectID, string(env), limit); err != nil {
		return nil, NewStoreError("ListVersions", "version", projectID, err.Error(), err)
	}

	records := make([]domain.VersionRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, nil
}

func resolveVersion(ctx context.Context, exec executor, projectID string, env domain.Environment, version string) (*domain.VersionRecord, error) {
	var row versionRow
	query := `SELECT * FROM version_records WHERE project_id = ? AND environment = ? AND version = ?`
	err := exec.GetContext(ctx, &row, query, projectID, string(env), version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("ResolveVersion", "version", version, "not found", ErrNotFound)
		}
		return nil, NewStoreError("ResolveVersion", "version", version, err.Error(), err)
	}
	return row.toDomain()
}

func listHistory(ctx context.Context, exec executor, projectID string, env *domain.Environment, limit int) ([]domain.VersionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT * FROM version_records WHERE project_id = ?`
	args := []any{projectID}
	if env != nil {
		query += ` AND environment = ?`
		args = append(args, string(*env))
	}
	query += ` ORDER BY recorded_at DESC, version DESC LIMIT ?`
	args = append(args, limit)

	var rows []versionRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListHistory", "version", projectID, err.Error(), err)
	}

	records := make([]domain.VersionRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, nil
}
