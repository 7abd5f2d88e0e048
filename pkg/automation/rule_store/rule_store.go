package rule_store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
	"github.com/lukemcar/crm-service/pkg/automation/condition"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var logger *zap.Logger

const ruleColumns = `id, tenant_id, entity_type, scope_type, record_type, record_id,
	pipeline_id, pipeline_stage_id, list_id, inherit_tier_actions, trigger_event,
	condition_json, action_type, config_json, priority, enabled,
	created_at, updated_at, created_by, updated_by`

// RuleStore owns automation rule rows. It is read-heavy: the resolver
// queries it on every event, while mutation happens only through the admin
// surface.
type RuleStore struct {
	db *sql.DB
}

func NewRuleStore(db *sql.DB, l *zap.Logger) (*RuleStore, error) {

	logger = l.Named("RuleStore")

	store := &RuleStore{
		db: db,
	}

	err := store.initSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule schema: %w", err)
	}

	return store, nil
}

func (store *RuleStore) initSchema() error {

	queries := []string{
		`CREATE TABLE IF NOT EXISTS automation_rules (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			record_type TEXT,
			record_id TEXT,
			pipeline_id TEXT,
			pipeline_stage_id TEXT,
			list_id TEXT,
			inherit_tier_actions INTEGER NOT NULL DEFAULT 1,
			trigger_event TEXT NOT NULL,
			condition_json TEXT,
			action_type TEXT NOT NULL,
			config_json TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			created_by TEXT,
			updated_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_rules_tenant_trigger
			ON automation_rules(tenant_id, scope_type, trigger_event)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_rules_tenant_entity
			ON automation_rules(tenant_id, entity_type)`,
	}

	for _, query := range queries {
		if _, err := store.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Create validates the rule and inserts it. A ScopeMismatchError is
// returned synchronously and nothing is stored.
func (store *RuleStore) Create(rule *Rule) error {

	err := rule.validate()
	if err != nil {
		return err
	}

	if len(rule.ID) == 0 {
		id, _ := uuid.NewUUID()
		rule.ID = id.String()
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	conditionJSON, configJSON, err := encodeBlobs(rule)
	if err != nil {
		return err
	}

	target := scopeColumns(rule.Scope)

	_, err = store.db.Exec(
		`INSERT INTO automation_rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.TenantID,
		rule.EntityType,
		rule.Scope.Type().String(),
		target.recordType,
		target.recordID,
		target.pipelineID,
		target.stageID,
		target.listID,
		target.inheritTierActions,
		rule.TriggerEvent,
		conditionJSON,
		rule.ActionType.String(),
		configJSON,
		rule.Priority,
		rule.Enabled,
		rule.CreatedAt,
		rule.UpdatedAt,
		rule.CreatedBy,
		rule.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	logger.Info("Created rule",
		zap.String("tenant", rule.TenantID),
		zap.String("rule", rule.ID),
		zap.String("scope", rule.Scope.Type().String()),
		zap.String("trigger", rule.TriggerEvent),
	)

	return nil
}

func (store *RuleStore) Get(tenantID string, id string) (*Rule, error) {

	row := store.db.QueryRow(
		`SELECT `+ruleColumns+` FROM automation_rules WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}

	return rule, err
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	EntityType  string
	ScopeType   *ScopeType
	EnabledOnly bool
	Limit       int
	Offset      int
}

func (store *RuleStore) List(tenantID string, filter ListFilter) ([]*Rule, error) {

	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	if len(filter.EntityType) > 0 {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}

	if filter.ScopeType != nil {
		query += ` AND scope_type = ?`
		args = append(args, filter.ScopeType.String())
	}

	if filter.EnabledOnly {
		query += ` AND enabled = 1`
	}

	query += ` ORDER BY priority ASC, id ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)

		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	return store.queryRules(query, args...)
}

// Patch carries partial updates for a rule. Nil fields are left untouched.
// Scope, when set, replaces the whole scope target.
type Patch struct {
	EntityType   *string
	Scope        Scope
	TriggerEvent *string
	Condition    *condition.Condition
	ActionType   *automation.ActionType
	ActionConfig automation.ActionConfig
	Priority     *int
	Enabled      *bool
	UpdatedBy    string
}

// Update merges the patch into the stored rule, re-validates the result and
// writes it back. The merged rule must still satisfy the scope invariant.
func (store *RuleStore) Update(tenantID string, id string, patch *Patch) (*Rule, error) {

	rule, err := store.Get(tenantID, id)
	if err != nil {
		return nil, err
	}

	if patch.EntityType != nil {
		rule.EntityType = *patch.EntityType
	}

	if patch.Scope != nil {
		rule.Scope = patch.Scope
	}

	if patch.TriggerEvent != nil {
		rule.TriggerEvent = *patch.TriggerEvent
	}

	if patch.Condition != nil {
		rule.Condition = patch.Condition
	}

	if patch.ActionType != nil {
		rule.ActionType = *patch.ActionType
	}

	if patch.ActionConfig != nil {
		rule.ActionConfig = patch.ActionConfig
	}

	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}

	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}

	if len(patch.UpdatedBy) > 0 {
		rule.UpdatedBy = patch.UpdatedBy
	}

	err = rule.validate()
	if err != nil {
		return nil, err
	}

	rule.UpdatedAt = time.Now().UTC()

	conditionJSON, configJSON, err := encodeBlobs(rule)
	if err != nil {
		return nil, err
	}

	target := scopeColumns(rule.Scope)

	_, err = store.db.Exec(
		`UPDATE automation_rules SET
			entity_type = ?, scope_type = ?, record_type = ?, record_id = ?,
			pipeline_id = ?, pipeline_stage_id = ?, list_id = ?, inherit_tier_actions = ?,
			trigger_event = ?, condition_json = ?, action_type = ?, config_json = ?,
			priority = ?, enabled = ?, updated_at = ?, updated_by = ?
			WHERE tenant_id = ? AND id = ?`,
		rule.EntityType,
		rule.Scope.Type().String(),
		target.recordType,
		target.recordID,
		target.pipelineID,
		target.stageID,
		target.listID,
		target.inheritTierActions,
		rule.TriggerEvent,
		conditionJSON,
		rule.ActionType.String(),
		configJSON,
		rule.Priority,
		rule.Enabled,
		rule.UpdatedAt,
		rule.UpdatedBy,
		tenantID,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	return rule, nil
}

func (store *RuleStore) Disable(tenantID string, id string) error {

	result, err := store.db.Exec(
		`UPDATE automation_rules SET enabled = 0, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		time.Now().UTC(), tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to disable rule: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrRuleNotFound
	}

	return nil
}

func (store *RuleStore) Delete(tenantID string, id string) error {

	result, err := store.db.Exec(
		`DELETE FROM automation_rules WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrRuleNotFound
	}

	return nil
}

// Tier queries used by the resolver. Each returns enabled rules only,
// ordered by priority then rule id.

func (store *RuleStore) FindEntityRules(tenantID string, entityType string, trigger string) ([]*Rule, error) {
	return store.queryRules(
		`SELECT `+ruleColumns+` FROM automation_rules
			WHERE tenant_id = ? AND scope_type = 'ENTITY' AND entity_type = ?
			AND trigger_event = ? AND enabled = 1
			ORDER BY priority ASC, id ASC`,
		tenantID, entityType, trigger,
	)
}

func (store *RuleStore) FindPipelineRules(tenantID string, pipelineID string, trigger string) ([]*Rule, error) {
	return store.queryRules(
		`SELECT `+ruleColumns+` FROM automation_rules
			WHERE tenant_id = ? AND scope_type = 'PIPELINE' AND pipeline_id = ?
			AND trigger_event = ? AND enabled = 1
			ORDER BY priority ASC, id ASC`,
		tenantID, pipelineID, trigger,
	)
}

func (store *RuleStore) FindStageRules(tenantID string, stageID string, trigger string) ([]*Rule, error) {
	return store.queryRules(
		`SELECT `+ruleColumns+` FROM automation_rules
			WHERE tenant_id = ? AND scope_type = 'PIPELINE_STAGE' AND pipeline_stage_id = ?
			AND trigger_event = ? AND enabled = 1
			ORDER BY priority ASC, id ASC`,
		tenantID, stageID, trigger,
	)
}

func (store *RuleStore) FindListRules(tenantID string, listID string, trigger string) ([]*Rule, error) {
	return store.queryRules(
		`SELECT `+ruleColumns+` FROM automation_rules
			WHERE tenant_id = ? AND scope_type = 'LIST' AND list_id = ?
			AND trigger_event = ? AND enabled = 1
			ORDER BY priority ASC, id ASC`,
		tenantID, listID, trigger,
	)
}

func (store *RuleStore) FindRecordRules(tenantID string, recordType string, recordID string, trigger string) ([]*Rule, error) {
	return store.queryRules(
		`SELECT `+ruleColumns+` FROM automation_rules
			WHERE tenant_id = ? AND scope_type = 'RECORD' AND record_type = ? AND record_id = ?
			AND trigger_event = ? AND enabled = 1
			ORDER BY priority ASC, id ASC`,
		tenantID, recordType, recordID, trigger,
	)
}

func (store *RuleStore) queryRules(query string, args ...interface{}) ([]*Rule, error) {

	rows, err := store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}

		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type scopeTarget struct {
	recordType         sql.NullString
	recordID           sql.NullString
	pipelineID         sql.NullString
	stageID            sql.NullString
	listID             sql.NullString
	inheritTierActions bool
}

func scopeColumns(scope Scope) scopeTarget {

	target := scopeTarget{
		inheritTierActions: true,
	}

	switch s := scope.(type) {
	case PipelineScope:
		target.pipelineID = sql.NullString{String: s.PipelineID, Valid: true}
	case PipelineStageScope:
		target.stageID = sql.NullString{String: s.StageID, Valid: true}
		target.inheritTierActions = s.InheritTierActions
	case ListScope:
		target.listID = sql.NullString{String: s.ListID, Valid: true}
	case RecordScope:
		target.recordType = sql.NullString{String: s.RecordType, Valid: true}
		target.recordID = sql.NullString{String: s.RecordID, Valid: true}
	}

	return target
}

func scopeFromColumns(scopeType string, target scopeTarget) (Scope, error) {

	st, ok := ScopeTypes[scopeType]
	if !ok {
		return nil, scopeMismatch("unknown scope type \"%s\"", scopeType)
	}

	switch st {
	case SCOPE_ENTITY:
		return EntityScope{}, nil
	case SCOPE_PIPELINE:
		return PipelineScope{PipelineID: target.pipelineID.String}, nil
	case SCOPE_PIPELINE_STAGE:
		return PipelineStageScope{
			StageID:            target.stageID.String,
			InheritTierActions: target.inheritTierActions,
		}, nil
	case SCOPE_LIST:
		return ListScope{ListID: target.listID.String}, nil
	default:
		return RecordScope{
			RecordType: target.recordType.String,
			RecordID:   target.recordID.String,
		}, nil
	}
}

func encodeBlobs(rule *Rule) (sql.NullString, sql.NullString, error) {

	var conditionJSON, configJSON sql.NullString

	if rule.Condition != nil {
		data, err := rule.Condition.Encode()
		if err != nil {
			return conditionJSON, configJSON, fmt.Errorf("failed to encode condition: %w", err)
		}

		conditionJSON = sql.NullString{String: string(data), Valid: true}
	}

	if rule.ActionConfig != nil {
		data, err := json.Marshal(rule.ActionConfig)
		if err != nil {
			return conditionJSON, configJSON, fmt.Errorf("failed to encode action config: %w", err)
		}

		configJSON = sql.NullString{String: string(data), Valid: true}
	}

	return conditionJSON, configJSON, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {

	var rule Rule
	var scopeType string
	var target scopeTarget
	var conditionJSON, configJSON sql.NullString
	var actionType string
	var createdBy, updatedBy sql.NullString

	err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.EntityType,
		&scopeType,
		&target.recordType,
		&target.recordID,
		&target.pipelineID,
		&target.stageID,
		&target.listID,
		&target.inheritTierActions,
		&rule.TriggerEvent,
		&conditionJSON,
		&actionType,
		&configJSON,
		&rule.Priority,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&createdBy,
		&updatedBy,
	)
	if err != nil {
		return nil, err
	}

	rule.Scope, err = scopeFromColumns(scopeType, target)
	if err != nil {
		return nil, err
	}

	rule.ActionType, err = automation.ParseActionType(actionType)
	if err != nil {
		return nil, err
	}

	if conditionJSON.Valid {
		cond, err := condition.Parse([]byte(conditionJSON.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode condition: %w", err)
		}
		rule.Condition = cond
	}

	if configJSON.Valid {
		var config automation.ActionConfig
		err = json.Unmarshal([]byte(configJSON.String), &config)
		if err != nil {
			return nil, fmt.Errorf("failed to decode action config: %w", err)
		}
		rule.ActionConfig = config
	}

	rule.CreatedBy = createdBy.String
	rule.UpdatedBy = updatedBy.String

	return &rule, nil
}
