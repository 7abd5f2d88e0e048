package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
	"github.com/lukemcar/crm-service/pkg/automation/condition"
	"github.com/lukemcar/crm-service/pkg/automation/ledger"
	"github.com/lukemcar/crm-service/pkg/automation/resolver"
	"github.com/lukemcar/crm-service/pkg/automation/rule_store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var logger *zap.Logger

// Dispatcher orchestrates resolution, condition evaluation, the idempotency
// gate and the executor call. It is the only automation component with side
// effects.
type Dispatcher struct {
	resolver  *resolver.Resolver
	ledger    *ledger.Ledger
	executors *ExecutorRegistry
	processor *Processor
}

func New(l *zap.Logger, r *resolver.Resolver, led *ledger.Ledger, executors *ExecutorRegistry, opts ...func(*Processor)) *Dispatcher {

	logger = l.Named("Dispatcher")

	d := &Dispatcher{
		resolver:  r,
		ledger:    led,
		executors: executors,
	}

	d.processor = NewProcessor(d, opts...)

	return d
}

// Push hands an event to the partitioned processor for asynchronous
// dispatch. Events for the same entity land on the same partition and are
// handled in arrival order.
func (d *Dispatcher) Push(ev *automation.EventContext) {
	d.processor.Push(ev)
}

func (d *Dispatcher) Stop() {
	d.processor.Stop()
}

// Dispatch runs the full cycle for one event: resolve candidates, evaluate
// conditions, gate each passing rule through the ledger and invoke its
// executor. It returns the attempts it created; duplicates and per-rule
// failures are recorded or logged, never surfaced to the event producer.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *automation.EventContext) ([]*ledger.ExecutionAttempt, error) {

	candidates, err := d.resolver.Resolve(ev)
	if err != nil {
		return nil, err
	}

	attempts := make([]*ledger.ExecutionAttempt, 0, len(candidates))

	for _, rule := range candidates {

		matched, err := condition.Evaluate(rule.Condition, ev.Values)
		if err != nil {
			// Fail closed: the rule does not fire, but the problem is
			// operator-visible.
			logger.Warn("Condition evaluation failed",
				zap.String("tenant", ev.TenantID),
				zap.String("rule", rule.ID),
				zap.Error(err),
			)
			continue
		}

		if !matched {
			continue
		}

		attempt := d.execute(ctx, rule, ev)
		if attempt != nil {
			attempts = append(attempts, attempt)
		}
	}

	return attempts, nil
}

// execute gates one matched rule through the ledger and calls its executor.
// A nil return means either a detected duplicate or a ledger failure.
func (d *Dispatcher) execute(ctx context.Context, rule *rule_store.Rule, ev *automation.EventContext) *ledger.ExecutionAttempt {

	attempt := &ledger.ExecutionAttempt{
		TenantID:     ev.TenantID,
		RuleID:       rule.ID,
		EntityType:   ev.EntityType,
		EntityID:     ev.EntityID,
		PipelineID:   ev.PipelineID,
		FromStageID:  ev.FromStageID,
		ToStageID:    ev.ToStageID,
		ListID:       ev.ListID,
		TriggerEvent: ev.TriggerEvent,
		ExecutionKey: ExecutionKey(rule.ID, ev),
	}

	// Log-then-act: the PENDING insert happens before any external call.
	// Losing the unique-key race means another dispatcher owns this logical
	// trigger, so this one exits without side effects.
	err := d.ledger.Append(attempt)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateExecution) {
			logger.Debug("Skipping duplicate execution",
				zap.String("tenant", ev.TenantID),
				zap.String("rule", rule.ID),
				zap.String("executionKey", attempt.ExecutionKey),
			)
			return nil
		}

		logger.Error("Failed to record execution attempt",
			zap.String("tenant", ev.TenantID),
			zap.String("rule", rule.ID),
			zap.Error(err),
		)
		return nil
	}

	err = d.ledger.Start(ev.TenantID, attempt.ID)
	if err != nil {
		logger.Error("Failed to start execution attempt",
			zap.String("tenant", ev.TenantID),
			zap.String("attempt", attempt.ID),
			zap.Error(err),
		)
		return attempt
	}

	executor := d.executors.Get(rule.ActionType)
	if executor == nil {
		d.fail(attempt, "no executor registered for action type "+rule.ActionType.String())
		return attempt
	}

	result, err := executor.Execute(ctx, rule.ActionConfig, ev)
	if err != nil {
		d.fail(attempt, err.Error())
		return attempt
	}

	err = d.ledger.Succeed(ev.TenantID, attempt.ID, result.Code, result.Body)
	if err != nil {
		logger.Error("Failed to complete execution attempt",
			zap.String("tenant", ev.TenantID),
			zap.String("attempt", attempt.ID),
			zap.Error(err),
		)
	}

	return attempt
}

func (d *Dispatcher) fail(attempt *ledger.ExecutionAttempt, message string) {

	logger.Warn("Execution failed",
		zap.String("tenant", attempt.TenantID),
		zap.String("rule", attempt.RuleID),
		zap.String("attempt", attempt.ID),
		zap.String("error", message),
	)

	err := d.ledger.Fail(attempt.TenantID, attempt.ID, message)
	if err != nil {
		logger.Error("Failed to record execution failure",
			zap.String("tenant", attempt.TenantID),
			zap.String("attempt", attempt.ID),
			zap.Error(err),
		)
	}
}

// ExecutionKey derives the idempotency token for one logical trigger
// occurrence. Two deliveries of the same occurrence always produce the same
// key.
func ExecutionKey(ruleID string, ev *automation.EventContext) string {

	parts := []string{
		ev.TenantID,
		ruleID,
		ev.TriggerEvent,
		ev.EntityType,
		ev.EntityID,
		ev.FromStageID,
		ev.ToStageID,
		ev.ListID,
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))

	return hex.EncodeToString(sum[:])
}
