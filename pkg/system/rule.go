package system

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
	"github.com/lukemcar/crm-service/pkg/automation/condition"
	"github.com/lukemcar/crm-service/pkg/automation/rule_store"
	"github.com/lukemcar/crm-service/pkg/connector"
)

const (
	RuleAPI = "$CRM.%s.API.RULE"
)

// RuleSetting is the wire representation of a rule. The flat scope-target
// fields are converted to the scope variant at the boundary; partial or
// conflicting targets are rejected before anything reaches the store.
type RuleSetting struct {
	ID                 string                 `json:"id,omitempty"`
	TenantID           string                 `json:"tenant_id"`
	EntityType         string                 `json:"entity_type"`
	ScopeType          string                 `json:"scope_type"`
	RecordType         string                 `json:"record_type,omitempty"`
	RecordID           string                 `json:"record_id,omitempty"`
	PipelineID         string                 `json:"pipeline_id,omitempty"`
	PipelineStageID    string                 `json:"pipeline_stage_id,omitempty"`
	ListID             string                 `json:"list_id,omitempty"`
	InheritTierActions *bool                  `json:"inherit_tier_actions,omitempty"`
	TriggerEvent       string                 `json:"trigger_event"`
	Condition          *condition.Condition   `json:"condition,omitempty"`
	ActionType         string                 `json:"action_type"`
	ActionConfig       map[string]interface{} `json:"action_config,omitempty"`
	Priority           int                    `json:"priority"`
	Enabled            *bool                  `json:"enabled,omitempty"`
	CreatedBy          string                 `json:"created_by,omitempty"`
	UpdatedBy          string                 `json:"updated_by,omitempty"`
}

func (s *RuleSetting) toScope() (rule_store.Scope, error) {

	st, ok := rule_store.ScopeTypes[s.ScopeType]
	if !ok {
		return nil, fmt.Errorf("unknown scope type \"%s\"", s.ScopeType)
	}

	// Exactly the fields of the selected tier may be populated
	allowed := map[rule_store.ScopeType][]string{
		rule_store.SCOPE_ENTITY:         {},
		rule_store.SCOPE_PIPELINE:       {"pipeline_id"},
		rule_store.SCOPE_PIPELINE_STAGE: {"pipeline_stage_id"},
		rule_store.SCOPE_LIST:           {"list_id"},
		rule_store.SCOPE_RECORD:         {"record_type", "record_id"},
	}[st]

	populated := map[string]string{
		"record_type":       s.RecordType,
		"record_id":         s.RecordID,
		"pipeline_id":       s.PipelineID,
		"pipeline_stage_id": s.PipelineStageID,
		"list_id":           s.ListID,
	}

	for field, value := range populated {
		if len(value) == 0 {
			continue
		}

		ok := false
		for _, name := range allowed {
			if name == field {
				ok = true
				break
			}
		}

		if !ok {
			return nil, fmt.Errorf("%s must not be set for scope %s", field, s.ScopeType)
		}
	}

	switch st {
	case rule_store.SCOPE_ENTITY:
		return rule_store.EntityScope{}, nil
	case rule_store.SCOPE_PIPELINE:
		return rule_store.PipelineScope{PipelineID: s.PipelineID}, nil
	case rule_store.SCOPE_PIPELINE_STAGE:
		inherit := true
		if s.InheritTierActions != nil {
			inherit = *s.InheritTierActions
		}
		return rule_store.PipelineStageScope{
			StageID:            s.PipelineStageID,
			InheritTierActions: inherit,
		}, nil
	case rule_store.SCOPE_LIST:
		return rule_store.ListScope{ListID: s.ListID}, nil
	default:
		return rule_store.RecordScope{
			RecordType: s.RecordType,
			RecordID:   s.RecordID,
		}, nil
	}
}

func (s *RuleSetting) toRule() (*rule_store.Rule, error) {

	scope, err := s.toScope()
	if err != nil {
		return nil, err
	}

	actionType, err := automation.ParseActionType(s.ActionType)
	if err != nil {
		return nil, err
	}

	rule := rule_store.NewRule()
	rule.ID = s.ID
	rule.TenantID = s.TenantID
	rule.EntityType = s.EntityType
	rule.Scope = scope
	rule.TriggerEvent = s.TriggerEvent
	rule.Condition = s.Condition
	rule.ActionType = actionType
	rule.ActionConfig = s.ActionConfig
	rule.Priority = s.Priority
	rule.CreatedBy = s.CreatedBy
	rule.UpdatedBy = s.UpdatedBy

	if s.Enabled != nil {
		rule.Enabled = *s.Enabled
	}

	return rule, nil
}

func settingFromRule(rule *rule_store.Rule) *RuleSetting {

	enabled := rule.Enabled

	setting := &RuleSetting{
		ID:           rule.ID,
		TenantID:     rule.TenantID,
		EntityType:   rule.EntityType,
		ScopeType:    rule.Scope.Type().String(),
		TriggerEvent: rule.TriggerEvent,
		Condition:    rule.Condition,
		ActionType:   rule.ActionType.String(),
		ActionConfig: rule.ActionConfig,
		Priority:     rule.Priority,
		Enabled:      &enabled,
		CreatedBy:    rule.CreatedBy,
		UpdatedBy:    rule.UpdatedBy,
	}

	switch scope := rule.Scope.(type) {
	case rule_store.PipelineScope:
		setting.PipelineID = scope.PipelineID
	case rule_store.PipelineStageScope:
		setting.PipelineStageID = scope.StageID
		inherit := scope.InheritTierActions
		setting.InheritTierActions = &inherit
	case rule_store.ListScope:
		setting.ListID = scope.ListID
	case rule_store.RecordScope:
		setting.RecordType = scope.RecordType
		setting.RecordID = scope.RecordID
	}

	return setting
}

type RuleRPC struct {
	RPC

	connector *connector.Connector
	store     *rule_store.RuleStore
}

func NewRuleRPC(connector *connector.Connector, store *rule_store.RuleStore) *RuleRPC {

	rpc := NewRPC(connector)

	rrpc := &RuleRPC{
		RPC:       rpc,
		connector: connector,
		store:     store,
	}

	return rrpc
}

func (rrpc *RuleRPC) initialize() error {

	// Initialize RPC handlers
	prefix := fmt.Sprintf(RuleAPI, rrpc.connector.GetDomain())

	logger.Info("Initializing Rule RPC",
		zap.String("prefix", prefix),
	)

	route, err := rrpc.createRoute("admin", prefix)
	if err != nil {
		return err
	}

	route.Handle("LIST", rrpc.list)
	route.Handle("CREATE", rrpc.create)
	route.Handle("UPDATE", rrpc.update)
	route.Handle("DELETE", rrpc.delete)
	route.Handle("INFO", rrpc.info)
	route.Handle("DISABLE", rrpc.disable)

	return nil
}

type ListRulesRequest struct {
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type,omitempty"`
	ScopeType  string `json:"scope_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

type ListRulesReply struct {
	Error *Error         `json:"error,omitempty"`
	Rules []*RuleSetting `json:"rules"`
}

func (rrpc *RuleRPC) list(ctx *RPCContext) {

	// Prepare response message
	resp := &ListRulesReply{}
	ctx.Res.Data = resp

	// Parsing request
	var req ListRulesRequest
	err := json.Unmarshal(ctx.Req.Data, &req)
	if err != nil {
		logger.Error(err.Error())
		resp.Error = BadRequestErr(err.Error())
		return
	}

	filter := rule_store.ListFilter{
		EntityType: req.EntityType,
		Limit:      req.Limit,
		Offset:     req.Offset,
	}

	if len(req.ScopeType) > 0 {
		st, ok := rule_store.ScopeTypes[req.ScopeType]
		if !ok {
			resp.Error = BadRequestErr(fmt.Sprintf("unknown scope type \"%s\"", req.ScopeType))
			return
		}
		filter.ScopeType = &st
	}

	rules, err := rrpc.store.List(req.TenantID, filter)
	if err != nil {
		logger.Error(err.Error())
		resp.Error = InternalServerErr()
		return
	}

	resp.Rules = make([]*RuleSetting, 0, len(rules))
	for _, rule := range rules {
		resp.Rules = append(resp.Rules, settingFromRule(rule))
	}
}

type CreateRuleRequest struct {
	Setting *RuleSetting `json:"setting"`
}

type CreateRuleReply struct {
	Error   *Error       `json:"error,omitempty"`
	Setting *RuleSetting `json:"setting,omitempty"`
}

func (rrpc *RuleRPC) create(ctx *RPCContext) {

	// Prepare response message
	resp := &CreateRuleReply{}
	ctx.Res.Data = resp

	// Parsing request
	var req CreateRuleRequest
	err := json.Unmarshal(ctx.Req.Data, &req)
	if err != nil || req.Setting == nil {
		resp.Error = BadRequestErr("invalid request payload")
		return
	}

	rule, err := req.Setting.toRule()
	if err != nil {
		resp.Error = BadRequestErr(err.Error())
		return
	}

	err = rrpc.store.Create(rule)
	if err != nil {
		logger.Error(err.Error())

		if rule_store.IsScopeMismatch(err) {
			resp.Error = BadRequestErr(err.Error())
		} else {
			resp.Error = InternalServerErr()
		}

		return
	}

	resp.Setting = settingFromRule(rule)
}

type UpdateRuleRequest struct {
	TenantID string       `json:"tenant_id"`
	ID       string       `json:"id"`
	Setting  *RuleSetting `json:"setting"`
}

type UpdateRuleReply struct {
	Error   *Error       `json:"error,omitempty"`
	Setting *RuleSetting `json:"setting,omitempty"`
}

func (rrpc *RuleRPC) update(ctx *RPCContext) {

	// Prepare response message
	resp := &UpdateRuleReply{}
	ctx.Res.Data = resp

	// Parsing request
	var req UpdateRuleRequest
	err := json.Unmarshal(ctx.Req.Data, &req)
	if err != nil || req.Setting == nil {
		resp.Error = BadRequestErr("invalid request payload")
		return
	}

	patch, err := settingToPatch(req.Setting)
	if err != nil {
		resp.Error = BadRequestErr(err.Error())
		return
	}

	rule, err := rrpc.store.Update(req.TenantID, req.ID, patch)
	if err != nil {
		logger.Error(err.Error())

		switch {
		case errors.Is(err, rule_store.ErrRuleNotFound):
			resp.Error = NotFoundErr()
		case rule_store.IsScopeMismatch(err):
			resp.Error = BadRequestErr(err.Error())
		default:
			resp.Error = InternalServerErr()
		}

		return
	}

	resp.Setting = settingFromRule(rule)
}

func settingToPatch(setting *RuleSetting) (*rule_store.Patch, error) {

	patch := &rule_store.Patch{
		Condition:    setting.Condition,
		ActionConfig: setting.ActionConfig,
		Enabled:      setting.Enabled,
		UpdatedBy:    setting.UpdatedBy,
	}

	if len(setting.EntityType) > 0 {
		patch.EntityType = &setting.EntityType
	}

	if len(setting.ScopeType) > 0 {
		scope, err := setting.toScope()
		if err != nil {
			return nil, err
		}
		patch.Scope = scope
	}

	if len(setting.TriggerEvent) > 0 {
		patch.TriggerEvent = &setting.TriggerEvent
	}

	if len(setting.ActionType) > 0 {
		actionType, err := automation.ParseActionType(setting.ActionType)
		if err != nil {
			return nil, err
		}
		patch.ActionType = &actionType
	}

	if setting.Priority != 0 {
		patch.Priority = &setting.Priority
	}

	return patch, nil
}

type RuleIDRequest struct {
	TenantID string `json:"tenant_id"`
	ID       string `json:"id"`
}

type RuleIDReply struct {
	Error *Error `json:"error,omitempty"`
}

func (rrpc *RuleRPC) delete(ctx *RPCContext) {

	resp := &RuleIDReply{}
	ctx.Res.Data = resp

	var req RuleIDRequest
	err := json.Unmarshal(ctx.Req.Data, &req)
	if err != nil {
		resp.Error = BadRequestErr("invalid request payload")
		return
	}

	err = rrpc.store.Delete(req.TenantID, req.ID)
	if err != nil {
		if errors.Is(err, rule_store.ErrRuleNotFound) {
			resp.Error = NotFoundErr()
		} else {
			logger.Error(err.Error())
			resp.Error = InternalServerErr()
		}
	}
}

func (rrpc *RuleRPC) disable(ctx *RPCContext) {

	resp := &RuleIDReply{}
	ctx.Res.Data = resp

	var req RuleIDRequest
	err := json.Unmarshal(ctx.Req.Data, &req)
	if err != nil {
		resp.Error = BadRequestErr("invalid request payload")
		return
	}

	err = rrpc.store.Disable(req.TenantID, req.ID)
	if err != nil {
		if errors.Is(err, rule_store.ErrRuleNotFound) {
			resp.Error = NotFoundErr()
		} else {
			logger.Error(err.Error())
			resp.Error = InternalServerErr()
		}
	}
}

type InfoRuleReply struct {
	Error   *Error       `json:"error,omitempty"`
	Setting *RuleSetting `json:"setting,omitempty"`
}

func (rrpc *RuleRPC) info(ctx *RPCContext) {

	resp := &InfoRuleReply{}
	ctx.Res.Data = resp

	var req RuleIDRequest
	err := json.Unmarshal(ctx.Req.Data, &req)
	if err != nil {
		resp.Error = BadRequestErr("invalid request payload")
		return
	}

	rule, err := rrpc.store.Get(req.TenantID, req.ID)
	if err != nil {
		if errors.Is(err, rule_store.ErrRuleNotFound) {
			resp.Error = NotFoundErr()
		} else {
			logger.Error(err.Error())
			resp.Error = InternalServerErr()
		}
		return
	}

	resp.Setting = settingFromRule(rule)
}
