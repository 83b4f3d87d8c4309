package app

import (
	"encoding/json"

	"receiptscanner/pkg/domain"
)

// EventType tags every streamed event.
type EventType string

const (
	EventProcessing EventType = "processing"
	EventData       EventType = "data"
	EventError      EventType = "error"
	EventDelta      EventType = "delta"
	EventDone       EventType = "done"
)

// ProcessEvent is one step of the document pipeline.
type ProcessEvent struct {
	Type    EventType    `json:"type"`
	Message string       `json:"message,omitempty"`
	Data    *ProcessData `json:"data,omitempty"`
}

type ProcessData struct {
	Entry domain.ReceiptEntry `json:"entry"`
}

func processing(msg string) ProcessEvent {
	return ProcessEvent{Type: EventProcessing, Message: msg}
}

// ErrorEvent is the terminal line written when a stream fails after it started.
func ErrorEvent(message string) ProcessEvent {
	return ProcessEvent{Type: EventError, Message: message}
}

// QueryEvent is one step of a streamed answer.
type QueryEvent struct {
	Type        EventType
	Message     string
	Delta       string
	ContentType string
}

// MarshalJSON writes only the fields the event type carries. Processing
// events keep an empty message.
func (e QueryEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventDelta:
		return json.Marshal(struct {
			Type        EventType `json:"type"`
			Delta       string    `json:"delta"`
			ContentType string    `json:"contentType"`
		}{e.Type, e.Delta, e.ContentType})
	case EventDone:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	default:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	}
}
