package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reportpipe/internal/state"
)

// Period is the reporting window a generation covers.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// GenerationRequest is the unit of work carried by the generation queue.
// It is immutable once enqueued; a worker consumes it exactly once, or the
// broker dead-letters it and the request never runs.
type GenerationRequest struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	Task          json.RawMessage `json:"task,omitempty"`
	Namespace     json.RawMessage `json:"namespace,omitempty"`
	Template      json.RawMessage `json:"template,omitempty"`
	Period        Period          `json:"period"`
	Targets       []string        `json:"targets"`
	Origin        string          `json:"origin"`
	WriteActivity json.RawMessage `json:"writeActivity,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (r *GenerationRequest) Validate() error {
	if r.ID == "" {
		return errors.New("generation request: missing id")
	}
	if r.TaskID == "" {
		return errors.New("generation request: missing taskId")
	}
	return nil
}

// GenerationEvent is one step of a generation's status timeline. Exactly one
// terminal event (SUCCESS, ERROR or ABORTED) is published per generation id.
type GenerationEvent struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	Status        state.Status    `json:"status"`
	Start         time.Time       `json:"start"`
	End           time.Time       `json:"end"`
	Targets       []string        `json:"targets"`
	Origin        string          `json:"origin"`
	WriteActivity json.RawMessage `json:"writeActivity,omitempty"`
	Progress      *float64        `json:"progress"`
	Took          *int64          `json:"took"`
	ReportID      string          `json:"reportId"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
}

func (e *GenerationEvent) Validate() error {
	if e.ID == "" {
		return errors.New("generation event: missing id")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("generation event: unknown status %q", e.Status)
	}
	return nil
}

// WantsActivity reports whether listeners should write an activity log entry
// for this generation. The field is either absent (defaults to true), a bare
// boolean, or an object carrying activity options; an object counts as true.
func (e *GenerationEvent) WantsActivity() bool {
	if len(e.WriteActivity) == 0 {
		return true
	}
	return !bytes.Equal(bytes.TrimSpace(e.WriteActivity), []byte("false"))
}
