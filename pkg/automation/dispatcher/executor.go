package dispatcher

import (
	"context"

	"github.com/lukemcar/crm-service/pkg/automation"
)

// Result carries the executor's response for the ledger.
type Result struct {
	Code int
	Body []byte
}

// Executor performs the actual side effect named by a rule's action type.
// The action config is passed through opaquely; its shape is the executor's
// concern.
type Executor interface {
	Execute(ctx context.Context, config automation.ActionConfig, ev *automation.EventContext) (*Result, error)
}

type ExecutorRegistry struct {
	executors map[automation.ActionType]Executor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[automation.ActionType]Executor),
	}
}

func (r *ExecutorRegistry) Register(actionType automation.ActionType, executor Executor) {
	r.executors[actionType] = executor
}

func (r *ExecutorRegistry) Get(actionType automation.ActionType) Executor {

	if e, ok := r.executors[actionType]; ok {
		return e
	}

	return nil
}
