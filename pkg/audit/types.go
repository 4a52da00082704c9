package audit

import (
	"errors"
	"fmt"
	"time"
)

// Action is the kind of mutation a history entry records
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is one of the three actions
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ParseAction parses the canonical action name
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", s)}
	}
	return a, nil
}

// Trigger records what caused a mutation
type Trigger string

const (
	TriggerUserAction Trigger = "USER_ACTION"
	TriggerSystem     Trigger = "SYSTEM"
	TriggerWorkflow   Trigger = "WORKFLOW"
	TriggerWebhook    Trigger = "WEBHOOK"
	TriggerAPI        Trigger = "API"
)

// Valid reports whether t is a known trigger
func (t Trigger) Valid() bool {
	switch t {
	case TriggerUserAction, TriggerSystem, TriggerWorkflow, TriggerWebhook, TriggerAPI:
		return true
	}
	return false
}

// ParseTrigger parses the canonical trigger name
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", s)}
	}
	return t, nil
}

// Actor identifies who made the change. All fields are nullable; system
// triggered changes usually have no actor.
type Actor struct {
	UserID    *string `json:"userId"`
	UserEmail *string `json:"userEmail"`
	UserName  *string `json:"userName"`
}

// TenancyContext ties an entry to the business entities it belongs to
type TenancyContext struct {
	OrganisationID *string `json:"organisationId"`
	AgentID        *string `json:"agentId"`
	LeadID         *string `json:"leadId"`
	CallID         *string `json:"callId"`
	ChatID         *string `json:"chatId"`
}

// RequestMetadata describes the request that caused the change
type RequestMetadata struct {
	RequestID   *string `json:"requestId"`
	SessionID   *string `json:"sessionId"`
	IPAddress   *string `json:"ipAddress"`
	UserAgent   *string `json:"userAgent"`
	APIEndpoint *string `json:"apiEndpoint"`
	HTTPMethod  *string `json:"httpMethod"`
}

// HistoryEntry is one field-level change on one record. Entries are append-only.
//
// The JSON form is flat: actor, tenancy and request fields appear at the top
// level, and absent optional values are written as null rather than omitted.
type HistoryEntry struct {
	ID        string  `json:"id"`
	TableName string  `json:"tableName"`
	RecordID  string  `json:"recordId"`
	FieldName string  `json:"fieldName"`
	Action    Action  `json:"action"`
	Trigger   Trigger `json:"trigger"`

	Actor
	TenancyContext

	OldValue interface{} `json:"oldValue"`
	NewValue interface{} `json:"newValue"`

	Reason      *string `json:"reason"`
	Description *string `json:"description"`

	RequestMetadata

	IsError      bool    `json:"isError"`
	ErrorMessage *string `json:"errorMessage"`
	ErrorStack   *string `json:"errorStack"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the fields every draft must carry before it is written
func (e *HistoryEntry) Validate() error {
	switch {
	case e.TableName == "":
		return &ValidationError{Field: "tableName", Message: "is required"}
	case e.RecordID == "":
		return &ValidationError{Field: "recordId", Message: "is required"}
	case e.FieldName == "":
		return &ValidationError{Field: "fieldName", Message: "is required"}
	case !e.Action.Valid():
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", e.Action)}
	case !e.Trigger.Valid():
		return &ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", e.Trigger)}
	}
	return nil
}

// ErrInvalid matches every ValidationError
var ErrInvalid = errors.New("invalid audit input")

// ValidationError reports a malformed entry or filter
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Is matches ErrInvalid
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// optional returns nil for the empty string
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
