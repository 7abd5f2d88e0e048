package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
	"github.com/lukemcar/crm-service/pkg/automation/condition"
	"github.com/lukemcar/crm-service/pkg/automation/ledger"
	"github.com/lukemcar/crm-service/pkg/automation/resolver"
	"github.com/lukemcar/crm-service/pkg/automation/rule_store"
)

const testTenant = "tenant-1"

type stubExecutor struct {
	mu     sync.Mutex
	calls  []*automation.EventContext
	result *Result
	err    error
}

func (e *stubExecutor) Execute(ctx context.Context, config automation.ActionConfig, ev *automation.EventContext) (*Result, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, ev)

	if e.err != nil {
		return nil, e.err
	}

	return e.result, nil
}

func (e *stubExecutor) callCount() int {

	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.calls)
}

type testEngine struct {
	dispatcher *Dispatcher
	store      *rule_store.RuleStore
	ledger     *ledger.Ledger
	executor   *stubExecutor
}

func newTestEngine(t *testing.T) *testEngine {

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "automation.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	l := zap.NewExample()

	store, err := rule_store.NewRuleStore(db, l)
	require.NoError(t, err)

	led, err := ledger.NewLedger(db, l)
	require.NoError(t, err)

	executor := &stubExecutor{
		result: &Result{Code: 200, Body: []byte(`{"ok":true}`)},
	}

	registry := NewExecutorRegistry()
	registry.Register(automation.ACTION_WEBHOOK, executor)

	return &testEngine{
		dispatcher: New(l, resolver.New(store, l), led, registry),
		store:      store,
		ledger:     led,
		executor:   executor,
	}
}

func (e *testEngine) createRule(t *testing.T, id string, scope rule_store.Scope, priority int) *rule_store.Rule {

	rule := rule_store.NewRule()
	rule.ID = id
	rule.TenantID = testTenant
	rule.EntityType = "DEAL"
	rule.Scope = scope
	rule.TriggerEvent = automation.TriggerOnStageEnter
	rule.ActionType = automation.ACTION_WEBHOOK
	rule.Priority = priority

	require.NoError(t, e.store.Create(rule))

	return rule
}

func stageEnterEvent() *automation.EventContext {
	return &automation.EventContext{
		TenantID:     testTenant,
		EntityType:   "DEAL",
		EntityID:     "deal-42",
		TriggerEvent: automation.TriggerOnStageEnter,
		PipelineID:   "pipe-1",
		FromStageID:  "stage-a",
		ToStageID:    "stage-b",
		Values: map[string]interface{}{
			"amount": 1200,
			"owner":  "alice",
		},
	}
}

func TestDispatchRunsMatchedRules(t *testing.T) {

	engine := newTestEngine(t)

	engine.createRule(t, "entity", rule_store.EntityScope{}, 10)
	engine.createRule(t, "stage", rule_store.PipelineStageScope{StageID: "stage-b", InheritTierActions: true}, 1)

	attempts, err := engine.dispatcher.Dispatch(context.Background(), stageEnterEvent())
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	assert.Equal(t, 2, engine.executor.callCount())

	for _, attempt := range attempts {
		loaded, err := engine.ledger.Get(testTenant, attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.STATUS_SUCCEEDED, loaded.Status)
		assert.Equal(t, 200, loaded.ResponseCode)
		assert.Equal(t, []byte(`{"ok":true}`), loaded.ResponseBody)
	}
}

func TestDispatchRedeliveryIsIdempotent(t *testing.T) {

	engine := newTestEngine(t)

	engine.createRule(t, "entity", rule_store.EntityScope{}, 0)

	first, err := engine.dispatcher.Dispatch(context.Background(), stageEnterEvent())
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A redelivered event derives the same execution key and must not
	// execute again.
	second, err := engine.dispatcher.Dispatch(context.Background(), stageEnterEvent())
	require.NoError(t, err)
	assert.Empty(t, second)

	assert.Equal(t, 1, engine.executor.callCount())

	attempts, err := engine.ledger.ListByRule(testTenant, "entity", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestDispatchConditionGate(t *testing.T) {

	engine := newTestEngine(t)

	matching := engine.createRule(t, "big-deals", rule_store.EntityScope{}, 0)
	matching.Condition = &condition.Condition{
		Clauses: []condition.Clause{
			{
				LogicalOperator: condition.LOGICAL_AND,
				Components: []condition.Component{
					{Expression: "amount", Operator: condition.OP_GREATER, Value: 1000},
				},
			},
		},
	}
	_, err := engine.store.Update(matching.TenantID, matching.ID, &rule_store.Patch{Condition: matching.Condition})
	require.NoError(t, err)

	rejecting := engine.createRule(t, "bob-deals", rule_store.EntityScope{}, 1)
	rejecting.Condition = &condition.Condition{
		Clauses: []condition.Clause{
			{
				LogicalOperator: condition.LOGICAL_AND,
				Components: []condition.Component{
					{Expression: "owner", Operator: condition.OP_EQUAL, Value: "bob"},
				},
			},
		},
	}
	_, err = engine.store.Update(rejecting.TenantID, rejecting.ID, &rule_store.Patch{Condition: rejecting.Condition})
	require.NoError(t, err)

	attempts, err := engine.dispatcher.Dispatch(context.Background(), stageEnterEvent())
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "big-deals", attempts[0].RuleID)
}

func TestDispatchFailsClosedOnBadCondition(t *testing.T) {

	engine := newTestEngine(t)

	rule := engine.createRule(t, "broken", rule_store.EntityScope{}, 0)
	rule.Condition = &condition.Condition{
		Clauses: []condition.Clause{
			{
				LogicalOperator: condition.LOGICAL_AND,
				Components: []condition.Component{
					{Expression: "missing_field", Operator: condition.OP_EQUAL, Value: "x"},
				},
			},
		},
	}
	_, err := engine.store.Update(rule.TenantID, rule.ID, &rule_store.Patch{Condition: rule.Condition})
	require.NoError(t, err)

	attempts, err := engine.dispatcher.Dispatch(context.Background(), stageEnterEvent())
	require.NoError(t, err)

	// The unresolvable expression skips the rule without executing
	assert.Empty(t, attempts)
	assert.Equal(t, 0, engine.executor.callCount())
}

func TestDispatchExecutorFailure(t *testing.T) {

	engine := newTestEngine(t)

	engine.createRule(t, "entity", rule_store.EntityScope{}, 0)
	engine.executor.err = errors.New("webhook returned status 500")

	attempts, err := engine.dispatcher.Dispatch(context.Background(), stageEnterEvent())
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	loaded, err := engine.ledger.Get(testTenant, attempts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.STATUS_FAILED, loaded.Status)
	assert.Equal(t, "webhook returned status 500", loaded.ErrorMessage)
}

func TestDispatchUnregisteredActionType(t *testing.T) {

	engine := newTestEngine(t)

	rule := engine.createRule(t, "orphan", rule_store.EntityScope{}, 0)
	_, err := engine.store.Update(rule.TenantID, rule.ID, &rule_store.Patch{ActionType: actionTypePtr(automation.ACTION_AIWORKER)})
	require.NoError(t, err)

	attempts, err := engine.dispatcher.Dispatch(context.Background(), stageEnterEvent())
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	loaded, err := engine.ledger.Get(testTenant, attempts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.STATUS_FAILED, loaded.Status)
	assert.Contains(t, loaded.ErrorMessage, "no executor registered")
}

func actionTypePtr(t automation.ActionType) *automation.ActionType {
	return &t
}

func TestExecutionKeyDeterminism(t *testing.T) {

	ev := stageEnterEvent()

	assert.Equal(t, ExecutionKey("rule-1", ev), ExecutionKey("rule-1", ev))
	assert.NotEqual(t, ExecutionKey("rule-1", ev), ExecutionKey("rule-2", ev))

	other := stageEnterEvent()
	other.ToStageID = "stage-c"
	assert.NotEqual(t, ExecutionKey("rule-1", ev), ExecutionKey("rule-1", other))

	// Values do not participate in the key: redelivery with a newer
	// snapshot is still the same logical trigger.
	refreshed := stageEnterEvent()
	refreshed.Values["amount"] = 9999
	assert.Equal(t, ExecutionKey("rule-1", ev), ExecutionKey("rule-1", refreshed))
}

func TestProcessorPushOrdering(t *testing.T) {

	engine := newTestEngine(t)

	engine.createRule(t, "entity", rule_store.EntityScope{}, 0)

	for i := 0; i < 4; i++ {
		engine.dispatcher.Push(stageEnterEvent())
	}

	engine.dispatcher.Stop()

	// Redeliveries collapse onto one attempt through the idempotency gate
	assert.Equal(t, 1, engine.executor.callCount())

	attempts, err := engine.ledger.ListByRule(testTenant, "entity", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}
