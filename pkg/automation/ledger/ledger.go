package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var logger *zap.Logger

// ErrDuplicateExecution reports an idempotency-key collision. It is the
// expected outcome of a redelivery or of losing a race, not a failure.
var ErrDuplicateExecution = errors.New("duplicate execution")

var ErrAttemptNotFound = errors.New("execution attempt not found")

var ErrStatusConflict = errors.New("execution status changed concurrently")

const attemptColumns = `id, tenant_id, rule_id, entity_type, entity_id,
	pipeline_id, from_stage_id, to_stage_id, list_id, trigger_event,
	execution_key, status, response_code, response_body, error_message,
	triggered_at, started_at, completed_at, created_at`

// Ledger is the append-heavy log of execution attempts. The UNIQUE index on
// (tenant_id, execution_key) is the engine's only concurrency-control
// mechanism: concurrent dispatchers racing on the same logical trigger have
// exactly one winner at the PENDING insert.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB, l *zap.Logger) (*Ledger, error) {

	logger = l.Named("Ledger")

	ledger := &Ledger{
		db: db,
	}

	err := ledger.initSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return ledger, nil
}

func (l *Ledger) initSchema() error {

	queries := []string{
		`CREATE TABLE IF NOT EXISTS automation_executions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			pipeline_id TEXT,
			from_stage_id TEXT,
			to_stage_id TEXT,
			list_id TEXT,
			trigger_event TEXT NOT NULL,
			execution_key TEXT NOT NULL,
			status TEXT NOT NULL,
			response_code INTEGER,
			response_body BLOB,
			error_message TEXT,
			triggered_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_automation_executions_tenant_key
			ON automation_executions(tenant_id, execution_key)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_executions_tenant_rule_status
			ON automation_executions(tenant_id, rule_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_executions_entity
			ON automation_executions(tenant_id, entity_type, entity_id)`,
	}

	for _, query := range queries {
		if _, err := l.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Append inserts a new attempt in PENDING before any external call is made.
// ErrDuplicateExecution is returned when the execution key already exists
// for the tenant; the caller must not execute and must not treat this as a
// failure.
func (l *Ledger) Append(attempt *ExecutionAttempt) error {

	if len(attempt.ID) == 0 {
		id, _ := uuid.NewUUID()
		attempt.ID = id.String()
	}

	attempt.Status = STATUS_PENDING
	attempt.CreatedAt = time.Now().UTC()

	if attempt.TriggeredAt.IsZero() {
		attempt.TriggeredAt = attempt.CreatedAt
	}

	_, err := l.db.Exec(
		`INSERT INTO automation_executions (`+attemptColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.TenantID,
		attempt.RuleID,
		attempt.EntityType,
		attempt.EntityID,
		nullable(attempt.PipelineID),
		nullable(attempt.FromStageID),
		nullable(attempt.ToStageID),
		nullable(attempt.ListID),
		attempt.TriggerEvent,
		attempt.ExecutionKey,
		string(attempt.Status),
		nil,
		nil,
		nil,
		attempt.TriggeredAt,
		nil,
		nil,
		attempt.CreatedAt,
	)
	if err != nil {

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateExecution
		}

		return fmt.Errorf("failed to append execution attempt: %w", err)
	}

	return nil
}

// Start moves a PENDING attempt to IN_PROGRESS.
func (l *Ledger) Start(tenantID string, id string) error {

	next, err := l.prepareTransition(tenantID, id, STATUS_PENDING, triggerStart)
	if err != nil {
		return err
	}

	return l.applyTransition(tenantID, id, STATUS_PENDING, next,
		`status = ?, started_at = ?`,
		string(next), time.Now().UTC(),
	)
}

// Succeed records the executor response and moves the attempt to SUCCEEDED.
// The response body is stored s2-compressed.
func (l *Ledger) Succeed(tenantID string, id string, responseCode int, responseBody []byte) error {

	next, err := l.prepareTransition(tenantID, id, STATUS_IN_PROGRESS, triggerSucceed)
	if err != nil {
		return err
	}

	return l.applyTransition(tenantID, id, STATUS_IN_PROGRESS, next,
		`status = ?, response_code = ?, response_body = ?, completed_at = ?`,
		string(next), responseCode, compressBody(responseBody), time.Now().UTC(),
	)
}

// Fail records the executor error and moves the attempt to FAILED. No
// automatic retry follows.
func (l *Ledger) Fail(tenantID string, id string, errorMessage string) error {

	next, err := l.prepareTransition(tenantID, id, STATUS_IN_PROGRESS, triggerFail)
	if err != nil {
		return err
	}

	return l.applyTransition(tenantID, id, STATUS_IN_PROGRESS, next,
		`status = ?, error_message = ?, completed_at = ?`,
		string(next), errorMessage, time.Now().UTC(),
	)
}

func (l *Ledger) prepareTransition(tenantID string, id string, expected Status, trigger string) (Status, error) {

	attempt, err := l.Get(tenantID, id)
	if err != nil {
		return "", err
	}

	if attempt.Status != expected {
		return "", fmt.Errorf("%w: attempt %s is %s", ErrStatusConflict, id, attempt.Status)
	}

	return attempt.Status.transition(trigger)
}

func (l *Ledger) applyTransition(tenantID string, id string, expected Status, next Status, setClause string, setArgs ...interface{}) error {

	args := append(setArgs, tenantID, id, string(expected))

	result, err := l.db.Exec(
		`UPDATE automation_executions SET `+setClause+
			` WHERE tenant_id = ? AND id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution attempt: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: attempt %s left %s concurrently", ErrStatusConflict, id, expected)
	}

	logger.Debug("Execution attempt transitioned",
		zap.String("tenant", tenantID),
		zap.String("attempt", id),
		zap.String("status", string(next)),
	)

	return nil
}

func (l *Ledger) Get(tenantID string, id string) (*ExecutionAttempt, error) {

	row := l.db.QueryRow(
		`SELECT `+attemptColumns+` FROM automation_executions WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)

	attempt, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, ErrAttemptNotFound
	}

	return attempt, err
}

func (l *Ledger) GetByKey(tenantID string, executionKey string) (*ExecutionAttempt, error) {

	row := l.db.QueryRow(
		`SELECT `+attemptColumns+` FROM automation_executions WHERE tenant_id = ? AND execution_key = ?`,
		tenantID, executionKey,
	)

	attempt, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, ErrAttemptNotFound
	}

	return attempt, err
}

// ListByRule returns attempts for one rule, newest first. An empty status
// matches all statuses.
func (l *Ledger) ListByRule(tenantID string, ruleID string, status Status, limit int, offset int) ([]*ExecutionAttempt, error) {

	query := `SELECT ` + attemptColumns + ` FROM automation_executions
		WHERE tenant_id = ? AND rule_id = ?`
	args := []interface{}{tenantID, ruleID}

	if len(status) > 0 {
		query += ` AND status = ?`
		args = append(args, string(status))
	}

	query += ` ORDER BY created_at DESC, id DESC`

	return l.queryAttempts(query, args, limit, offset)
}

// ListByStatus returns attempts in one status across all rules, newest
// first. After a crash this is how stranded PENDING or IN_PROGRESS rows are
// found; the engine itself never recovers them.
func (l *Ledger) ListByStatus(tenantID string, status Status, limit int, offset int) ([]*ExecutionAttempt, error) {

	query := `SELECT ` + attemptColumns + ` FROM automation_executions
		WHERE tenant_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC`

	return l.queryAttempts(query, []interface{}{tenantID, string(status)}, limit, offset)
}

// ListByEntity returns attempts recorded against one entity, newest first.
func (l *Ledger) ListByEntity(tenantID string, entityType string, entityID string, limit int, offset int) ([]*ExecutionAttempt, error) {

	query := `SELECT ` + attemptColumns + ` FROM automation_executions
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC`

	return l.queryAttempts(query, []interface{}{tenantID, entityType, entityID}, limit, offset)
}

func (l *Ledger) queryAttempts(query string, args []interface{}, limit int, offset int) ([]*ExecutionAttempt, error) {

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)

		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*ExecutionAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}

		attempts = append(attempts, attempt)
	}

	return attempts, rows.Err()
}

func nullable(s string) sql.NullString {

	if len(s) == 0 {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func compressBody(body []byte) []byte {

	if len(body) == 0 {
		return nil
	}

	return s2.Encode(nil, body)
}

func decompressBody(body []byte) ([]byte, error) {

	if len(body) == 0 {
		return nil, nil
	}

	return s2.Decode(nil, body)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (*ExecutionAttempt, error) {

	var attempt ExecutionAttempt
	var pipelineID, fromStageID, toStageID, listID, errorMessage sql.NullString
	var status string
	var responseCode sql.NullInt64
	var responseBody []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&attempt.ID,
		&attempt.TenantID,
		&attempt.RuleID,
		&attempt.EntityType,
		&attempt.EntityID,
		&pipelineID,
		&fromStageID,
		&toStageID,
		&listID,
		&attempt.TriggerEvent,
		&attempt.ExecutionKey,
		&status,
		&responseCode,
		&responseBody,
		&errorMessage,
		&attempt.TriggeredAt,
		&startedAt,
		&completedAt,
		&attempt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	attempt.PipelineID = pipelineID.String
	attempt.FromStageID = fromStageID.String
	attempt.ToStageID = toStageID.String
	attempt.ListID = listID.String
	attempt.Status = Status(status)
	attempt.ResponseCode = int(responseCode.Int64)
	attempt.ErrorMessage = errorMessage.String

	attempt.ResponseBody, err = decompressBody(responseBody)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	if startedAt.Valid {
		attempt.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		attempt.CompletedAt = &completedAt.Time
	}

	return &attempt, nil
}
