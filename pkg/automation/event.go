package automation

// Trigger event tags emitted by the domain services.
const (
	TriggerOnCreate      = "ON_CREATE"
	TriggerOnUpdate      = "ON_UPDATE"
	TriggerOnDelete      = "ON_DELETE"
	TriggerOnStageEnter  = "ON_STAGE_ENTER"
	TriggerOnStageExit   = "ON_STAGE_EXIT"
	TriggerOnListAdded   = "ON_LIST_ADDED"
	TriggerOnListRemoved = "ON_LIST_REMOVED"
)

// EventContext describes a single domain occurrence handed to the
// automation engine. Values carries a snapshot of the entity's attributes
// taken by the producing service, used for condition evaluation.
type EventContext struct {
	TenantID     string                 `json:"tenant_id"`
	EntityType   string                 `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	TriggerEvent string                 `json:"trigger_event"`
	PipelineID   string                 `json:"pipeline_id,omitempty"`
	FromStageID  string                 `json:"from_stage_id,omitempty"`
	ToStageID    string                 `json:"to_stage_id,omitempty"`
	ListID       string                 `json:"list_id,omitempty"`
	Values       map[string]interface{} `json:"values,omitempty"`
}

// StageID returns the stage relevant to stage-scoped rules: the destination
// stage for transitions, or the single stage for non-transition events.
func (ec *EventContext) StageID() string {

	if len(ec.ToStageID) > 0 {
		return ec.ToStageID
	}

	return ec.FromStageID
}
