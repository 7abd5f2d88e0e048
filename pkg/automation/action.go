package automation

import "fmt"

type ActionType int32

const (
	ACTION_WEBHOOK ActionType = iota
	ACTION_WORKFLOW
	ACTION_EVENT
	ACTION_AIWORKER
)

var ActionTypes = map[string]ActionType{
	"WEBHOOK":  ACTION_WEBHOOK,
	"WORKFLOW": ACTION_WORKFLOW,
	"EVENT":    ACTION_EVENT,
	"AIWORKER": ACTION_AIWORKER,
}

var actionTypeNames = map[ActionType]string{
	ACTION_WEBHOOK:  "WEBHOOK",
	ACTION_WORKFLOW: "WORKFLOW",
	ACTION_EVENT:    "EVENT",
	ACTION_AIWORKER: "AIWORKER",
}

func (t ActionType) String() string {

	if name, ok := actionTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("ActionType(%d)", int32(t))
}

func ParseActionType(name string) (ActionType, error) {

	if t, ok := ActionTypes[name]; ok {
		return t, nil
	}

	return 0, fmt.Errorf("unknown action type \"%s\"", name)
}

// ActionConfig is an opaque configuration blob consumed only by the
// executor matching the rule's action type.
type ActionConfig map[string]interface{}
