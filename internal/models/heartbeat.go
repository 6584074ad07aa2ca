package models

import (
	"errors"
	"time"
)

// Heartbeat is the liveness beat every process broadcasts on the heartbeat
// exchange. Consumers keep the latest beat per service, last-write-wins by
// UpdatedAt. A process may gather beats of its direct dependencies and
// re-broadcast them inside its own beat.
type Heartbeat struct {
	Service      string      `json:"service"`
	Hostname     string      `json:"hostname"`
	Version      string      `json:"version,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Dependencies []Heartbeat `json:"dependencies,omitempty"`
}

func (h *Heartbeat) Validate() error {
	if h.Service == "" {
		return errors.New("heartbeat: missing service")
	}
	if h.UpdatedAt.IsZero() {
		return errors.New("heartbeat: missing updatedAt")
	}
	return nil
}
