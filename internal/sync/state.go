package sync

import (
	"time"

	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// State is a state of the connector state machine
type State int

// Connector states. Retrying carries the attempt in Status.Attempt and Halted
// the reason in Status.HaltReason.
const (
	Idle State = iota
	Pulling
	Mapping
	Batching
	Writing
	Acknowledging
	Retrying
	Halted
	Stopped
)

var stateNames = [...]string{
	Idle:          "idle",
	Pulling:       "pulling",
	Mapping:       "mapping",
	Batching:      "batching",
	Writing:       "writing",
	Acknowledging: "acknowledging",
	Retrying:      "retrying",
	Halted:        "halted",
	Stopped:       "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON status reports
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point in time view of a connector
type Status struct {
	Name          string          `json:"name"`
	Table         string          `json:"table"`
	Mode          Mode            `json:"mode"`
	State         State           `json:"state"`
	Attempt       int             `json:"attempt,omitempty"`
	CommittedUpTo source.Sequence `json:"committed_up_to"`
	LastBatchID   uint64          `json:"last_batch_id"`
	DeadLettered  int64           `json:"dead_lettered"`
	HaltReason    string          `json:"halt_reason,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
