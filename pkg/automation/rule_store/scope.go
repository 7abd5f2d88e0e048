package rule_store

import "fmt"

type ScopeType int32

const (
	SCOPE_ENTITY ScopeType = iota
	SCOPE_PIPELINE
	SCOPE_PIPELINE_STAGE
	SCOPE_LIST
	SCOPE_RECORD
)

var ScopeTypes = map[string]ScopeType{
	"ENTITY":         SCOPE_ENTITY,
	"PIPELINE":       SCOPE_PIPELINE,
	"PIPELINE_STAGE": SCOPE_PIPELINE_STAGE,
	"LIST":           SCOPE_LIST,
	"RECORD":         SCOPE_RECORD,
}

var scopeTypeNames = map[ScopeType]string{
	SCOPE_ENTITY:         "ENTITY",
	SCOPE_PIPELINE:       "PIPELINE",
	SCOPE_PIPELINE_STAGE: "PIPELINE_STAGE",
	SCOPE_LIST:           "LIST",
	SCOPE_RECORD:         "RECORD",
}

func (t ScopeType) String() string {

	if name, ok := scopeTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("ScopeType(%d)", int32(t))
}

// Scope is a tagged variant with one case per tier. Each case carries only
// the target fields its tier needs, so a rule cannot hold a partial or
// conflicting scope target.
type Scope interface {
	Type() ScopeType
	validate() error
}

// EntityScope attaches a rule to every entity of the rule's entity type.
type EntityScope struct{}

func (s EntityScope) Type() ScopeType { return SCOPE_ENTITY }

func (s EntityScope) validate() error { return nil }

// PipelineScope attaches a rule to one pipeline.
type PipelineScope struct {
	PipelineID string
}

func (s PipelineScope) Type() ScopeType { return SCOPE_PIPELINE }

func (s PipelineScope) validate() error {

	if len(s.PipelineID) == 0 {
		return scopeMismatch("PIPELINE scope requires pipeline_id")
	}

	return nil
}

// PipelineStageScope attaches a rule to one pipeline stage. When
// InheritTierActions is false, the stage rule suppresses PIPELINE-tier
// rules for the same trigger during resolution.
type PipelineStageScope struct {
	StageID            string
	InheritTierActions bool
}

func (s PipelineStageScope) Type() ScopeType { return SCOPE_PIPELINE_STAGE }

func (s PipelineStageScope) validate() error {

	if len(s.StageID) == 0 {
		return scopeMismatch("PIPELINE_STAGE scope requires pipeline_stage_id")
	}

	return nil
}

// ListScope attaches a rule to one list.
type ListScope struct {
	ListID string
}

func (s ListScope) Type() ScopeType { return SCOPE_LIST }

func (s ListScope) validate() error {

	if len(s.ListID) == 0 {
		return scopeMismatch("LIST scope requires list_id")
	}

	return nil
}

// RecordScope attaches a rule to one specific record.
type RecordScope struct {
	RecordType string
	RecordID   string
}

func (s RecordScope) Type() ScopeType { return SCOPE_RECORD }

func (s RecordScope) validate() error {

	if len(s.RecordType) == 0 || len(s.RecordID) == 0 {
		return scopeMismatch("RECORD scope requires record_type and record_id")
	}

	return nil
}
