// Package model defines the persisted record types and closed enums shared
// across the session core.
package model

// Schema versions stamped into persisted rows so exports stay readable
// across upgrades.
const (
	RoundSchemaVersion  = 1
	EventSchemaVersion  = 1
	MemorySchemaVersion = 1
	JobSchemaVersion    = 1
)

// EventType identifies a step in a round's processing. The taxonomy is
// closed: stores reject types not listed here.
type EventType string

const (
	EventInputReceived    EventType = "input.received"
	EventInputNormalized  EventType = "input.normalized"
	EventRouteSelected    EventType = "route.selected"
	EventValidatorRan     EventType = "validator.ran"
	EventLLMRequest       EventType = "llm.request"
	EventLLMResponse      EventType = "llm.response"
	EventToolRequest      EventType = "tool.request"
	EventToolResponse     EventType = "tool.response"
	EventJobEnqueued      EventType = "job.enqueued"
	EventJobProgress      EventType = "job.progress"
	EventJobResult        EventType = "job.result"
	EventConfirmRequested EventType = "confirm.requested"
	EventConfirmReceived  EventType = "confirm.received"
	EventCommandExecuted  EventType = "command.executed"
	EventCommandReversed  EventType = "command.reversed"
	EventOutputEmitted    EventType = "output.emitted"
	EventRoundFailed      EventType = "round.failed"
)

// ValidEventTypes is the allowed event taxonomy.
var ValidEventTypes = map[EventType]bool{
	EventInputReceived:    true,
	EventInputNormalized:  true,
	EventRouteSelected:    true,
	EventValidatorRan:     true,
	EventLLMRequest:       true,
	EventLLMResponse:      true,
	EventToolRequest:      true,
	EventToolResponse:     true,
	EventJobEnqueued:      true,
	EventJobProgress:      true,
	EventJobResult:        true,
	EventConfirmRequested: true,
	EventConfirmReceived:  true,
	EventCommandExecuted:  true,
	EventCommandReversed:  true,
	EventOutputEmitted:    true,
	EventRoundFailed:      true,
}

// Round is the header record for one processed utterance.
type Round struct {
	RoundID        string  `json:"round_id"`
	SchemaVersion  int     `json:"schema_version"`
	LibraryID      string  `json:"library_id,omitempty"`
	BucketID       string  `json:"bucket_id,omitempty"`
	ConversationID string  `json:"conversation_id"`
	RoundSeq       int     `json:"round_seq"`
	StateIn        string  `json:"state_in"`
	StateOut       string  `json:"state_out,omitempty"`
	AudioID        string  `json:"audio_id,omitempty"`
	CreatedAt      float64 `json:"created_at"`
	Status         string  `json:"status"`
	FailureCode    string  `json:"failure_code,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
}

// Event is one ordered step within a round.
type Event struct {
	RoundID       string         `json:"round_id"`
	SchemaVersion int            `json:"schema_version"`
	EventSeq      int            `json:"event_seq"`
	EventType     EventType      `json:"event_type"`
	CallID        string         `json:"call_id"`
	Timestamp     float64        `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	FailureCode   string         `json:"failure_code,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// Job is a queued research task.
type Job struct {
	JobID          string  `json:"job_id"`
	SchemaVersion  int     `json:"schema_version"`
	Topic          string  `json:"topic"`
	Query          string  `json:"query"`
	Status         string  `json:"status"`
	CreatedAt      float64 `json:"created_at"`
	UpdatedAt      float64 `json:"updated_at"`
	Result         string  `json:"result,omitempty"`
	LibraryID      string  `json:"library_id,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	BucketID       string  `json:"bucket_id,omitempty"`
}

// RankedItem is a scored memory item inside a context package.
type RankedItem struct {
	ItemID   int64          `json:"item_id"`
	Pinned   bool           `json:"pinned"`
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// ContextPackage is the cached, derived view of one memory bucket.
type ContextPackage struct {
	BucketID        string       `json:"bucket_id"`
	RegisterSummary string       `json:"register_summary"`
	ShortContext    string       `json:"short_context"`
	LongContext     string       `json:"long_context"`
	Items           []RankedItem `json:"items"`
	LastUpdated     float64      `json:"last_updated"`
}

// ValidatorStatus is the outcome of one validator pass.
type ValidatorStatus string

const (
	ValidatorOK       ValidatorStatus = "ok"
	ValidatorWarn     ValidatorStatus = "warn"
	ValidatorError    ValidatorStatus = "error"
	ValidatorEscalate ValidatorStatus = "escalate"
	ValidatorRetry    ValidatorStatus = "retry"
)
