package resolver

import (
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
	"github.com/lukemcar/crm-service/pkg/automation/rule_store"
)

var logger *zap.Logger

// Resolver finds the candidate rules for an event across the five scope
// tiers. It is read-only: resolution has no side effects, so a dispatcher
// that later loses the idempotency race has spent nothing.
type Resolver struct {
	store *rule_store.RuleStore
}

func New(store *rule_store.RuleStore, l *zap.Logger) *Resolver {

	logger = l.Named("Resolver")

	return &Resolver{
		store: store,
	}
}

// Resolve returns candidate rules in deterministic order: tiers in the
// fixed sequence ENTITY, PIPELINE, PIPELINE_STAGE, LIST, RECORD; within a
// tier ascending priority, ties broken by rule id. Candidates are not yet
// condition-checked.
//
// The stage tier is computed before the pipeline tier is admitted: a
// matching stage rule with InheritTierActions=false suppresses the
// PIPELINE-tier rules for this pipeline and trigger, while
// InheritTierActions=true keeps them (additive).
func (r *Resolver) Resolve(ev *automation.EventContext) ([]*rule_store.Rule, error) {

	candidates := make([]*rule_store.Rule, 0)

	// ENTITY tier
	entityRules, err := r.store.FindEntityRules(ev.TenantID, ev.EntityType, ev.TriggerEvent)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, entityRules...)

	// PIPELINE_STAGE tier is matched first so its merge policy can decide
	// whether the PIPELINE tier participates at all.
	var stageRules []*rule_store.Rule
	if stageID := ev.StageID(); len(stageID) > 0 {
		stageRules, err = r.store.FindStageRules(ev.TenantID, stageID, ev.TriggerEvent)
		if err != nil {
			return nil, err
		}
	}

	// PIPELINE tier
	if len(ev.PipelineID) > 0 && !suppressesPipelineTier(stageRules) {
		pipelineRules, err := r.store.FindPipelineRules(ev.TenantID, ev.PipelineID, ev.TriggerEvent)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, pipelineRules...)
	}

	candidates = append(candidates, stageRules...)

	// LIST tier
	if len(ev.ListID) > 0 {
		listRules, err := r.store.FindListRules(ev.TenantID, ev.ListID, ev.TriggerEvent)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, listRules...)
	}

	// RECORD tier
	recordRules, err := r.store.FindRecordRules(ev.TenantID, ev.EntityType, ev.EntityID, ev.TriggerEvent)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, recordRules...)

	logger.Debug("Resolved candidate rules",
		zap.String("tenant", ev.TenantID),
		zap.String("trigger", ev.TriggerEvent),
		zap.String("entityType", ev.EntityType),
		zap.Int("candidates", len(candidates)),
	)

	return candidates, nil
}

func suppressesPipelineTier(stageRules []*rule_store.Rule) bool {

	for _, rule := range stageRules {
		scope, ok := rule.Scope.(rule_store.PipelineStageScope)
		if ok && !scope.InheritTierActions {
			return true
		}
	}

	return false
}
