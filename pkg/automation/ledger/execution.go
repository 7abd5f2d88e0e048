package ledger

import (
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

type Status string

const (
	STATUS_PENDING     Status = "PENDING"
	STATUS_IN_PROGRESS Status = "IN_PROGRESS"
	STATUS_SUCCEEDED   Status = "SUCCEEDED"
	STATUS_FAILED      Status = "FAILED"
)

const (
	triggerStart   = "start"
	triggerSucceed = "succeed"
	triggerFail    = "fail"
)

// newStateMachine configures the forward-only attempt lifecycle:
// PENDING -> IN_PROGRESS -> SUCCEEDED | FAILED. No transition skips a state
// or reverses.
func newStateMachine(current Status) *stateless.StateMachine {

	sm := stateless.NewStateMachine(current)

	sm.Configure(STATUS_PENDING).
		Permit(triggerStart, STATUS_IN_PROGRESS)

	sm.Configure(STATUS_IN_PROGRESS).
		Permit(triggerSucceed, STATUS_SUCCEEDED).
		Permit(triggerFail, STATUS_FAILED)

	sm.Configure(STATUS_SUCCEEDED)
	sm.Configure(STATUS_FAILED)

	return sm
}

func (s Status) transition(trigger string) (Status, error) {

	sm := newStateMachine(s)

	err := sm.Fire(trigger)
	if err != nil {
		return s, fmt.Errorf("invalid transition \"%s\" from %s", trigger, s)
	}

	return sm.MustState().(Status), nil
}

// ExecutionAttempt is one row in the execution ledger. The context snapshot
// fields are retained for audit and debugging.
type ExecutionAttempt struct {
	ID           string
	TenantID     string
	RuleID       string
	EntityType   string
	EntityID     string
	PipelineID   string
	FromStageID  string
	ToStageID    string
	ListID       string
	TriggerEvent string
	ExecutionKey string
	Status       Status
	ResponseCode int
	ResponseBody []byte
	ErrorMessage string
	TriggeredAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}
