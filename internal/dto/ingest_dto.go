package dto

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

// ElementPayload is one SCORM element as sent by the exam runtime. Either
// TimeISO (RFC 3339) or Time (seconds since the epoch) must be present; TimeISO
// wins when both are.
type ElementPayload struct {
	Key     string   `json:"key" validate:"required,max=200"`
	Value   string   `json:"value"`
	Time    *float64 `json:"time,omitempty" validate:"required_without=TimeISO"`
	TimeISO string   `json:"time_iso,omitempty" validate:"required_without=Time"`
	Counter int      `json:"counter" validate:"gte=0"`
}

// ResolveTime returns the element's timestamp in UTC.
func (p ElementPayload) ResolveTime() (time.Time, error) {
	if p.TimeISO != "" {
		parsed, err := time.Parse(time.RFC3339Nano, p.TimeISO)
		if err != nil {
			return time.Time{}, fmt.Errorf("time_iso %q: %w", p.TimeISO, err)
		}
		return parsed.UTC(), nil
	}
	if p.Time == nil {
		return time.Time{}, errors.New("time or time_iso is required")
	}
	if math.IsNaN(*p.Time) || math.IsInf(*p.Time, 0) {
		return time.Time{}, fmt.Errorf("time %v is not finite", *p.Time)
	}

	seconds := math.Floor(*p.Time)
	micros := math.Round((*p.Time - seconds) * 1e6)
	return time.Unix(int64(seconds), int64(micros)*int64(time.Microsecond)).UTC(), nil
}

// IngestRequest is the HTTP fallback body: batch id to elements.
type IngestRequest struct {
	Batches map[string][]ElementPayload `json:"batches" validate:"required,min=1,dive,keys,required,endkeys,dive"`
}

// RejectedElement is an element the store refused for a transient reason.
type RejectedElement struct {
	BatchID string    `json:"batch_id"`
	Key     string    `json:"key"`
	Value   string    `json:"value"`
	Time    time.Time `json:"time"`
	Counter int       `json:"counter"`
}

// IngestResult reports which batches can be acknowledged to the client.
type IngestResult struct {
	AcceptedBatchIDs []string          `json:"accepted_batch_ids"`
	RejectedElements []RejectedElement `json:"rejected_elements"`
	CreatedCount     int               `json:"created_count"`
	SkippedCount     int               `json:"skipped_count"`
	CompletionStatus string            `json:"completion_status"`
}

// SocketPacket is a message received on the ingest websocket.
type SocketPacket struct {
	Type string           `json:"type" validate:"required,eq=scorm.elements"`
	ID   string           `json:"id" validate:"required"`
	Data []ElementPayload `json:"data" validate:"dive"`
}

// SocketAck answers a SocketPacket.
type SocketAck struct {
	Received         []string          `json:"received"`
	CompletionStatus string            `json:"completion_status"`
	UnsavedElements  []RejectedElement `json:"unsaved_elements"`
}

// NewSocketAck converts an ingest result into the websocket acknowledgement.
func NewSocketAck(result IngestResult) SocketAck {
	ack := SocketAck{
		Received:         result.AcceptedBatchIDs,
		CompletionStatus: result.CompletionStatus,
		UnsavedElements:  result.RejectedElements,
	}
	if ack.Received == nil {
		ack.Received = []string{}
	}
	if ack.UnsavedElements == nil {
		ack.UnsavedElements = []RejectedElement{}
	}
	return ack
}

// ElementEvent is published to live observers for every newly stored element.
type ElementEvent struct {
	AttemptID uint      `json:"attempt_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Time      time.Time `json:"time"`
}

// NewElementEvent builds the live-update payload for a stored element.
func NewElementEvent(element models.ScormElement) ElementEvent {
	return ElementEvent{
		AttemptID: element.AttemptID,
		Key:       element.Key,
		Value:     element.Value,
		Time:      element.Time,
	}
}
