package rule_store

import (
	"errors"
	"fmt"
	"time"

	"github.com/lukemcar/crm-service/pkg/automation"
	"github.com/lukemcar/crm-service/pkg/automation/condition"
)

var ErrRuleNotFound = errors.New("rule not found")

// ScopeMismatchError rejects a rule whose scope target does not satisfy the
// discriminated-union invariant. It is raised at construction time and never
// stored.
type ScopeMismatchError struct {
	Reason string
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("scope mismatch: %s", e.Reason)
}

func scopeMismatch(format string, args ...interface{}) error {
	return &ScopeMismatchError{
		Reason: fmt.Sprintf(format, args...),
	}
}

func IsScopeMismatch(err error) bool {

	var sme *ScopeMismatchError
	return errors.As(err, &sme)
}

// Rule is a tenant-scoped automation rule. It is read-only to the resolver
// and never mutated by the engine itself.
type Rule struct {
	ID           string
	TenantID     string
	EntityType   string
	Scope        Scope
	TriggerEvent string
	Condition    *condition.Condition
	ActionType   automation.ActionType
	ActionConfig automation.ActionConfig
	Priority     int
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CreatedBy    string
	UpdatedBy    string
}

func NewRule() *Rule {
	return &Rule{
		Enabled: true,
	}
}

func (r *Rule) validate() error {

	if len(r.TenantID) == 0 {
		return errors.New("rule requires tenant_id")
	}

	if len(r.EntityType) == 0 {
		return errors.New("rule requires entity_type")
	}

	if len(r.TriggerEvent) == 0 {
		return errors.New("rule requires trigger_event")
	}

	if r.Scope == nil {
		return scopeMismatch("rule has no scope")
	}

	if err := r.Scope.validate(); err != nil {
		return err
	}

	if _, ok := automation.ActionTypes[r.ActionType.String()]; !ok {
		return scopeMismatch("unknown action type \"%s\"", r.ActionType)
	}

	if r.Condition != nil {
		if err := r.Condition.Validate(); err != nil {
			return fmt.Errorf("invalid condition: %w", err)
		}
	}

	return nil
}
