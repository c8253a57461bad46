// Package fleet holds the typed messages carried by the bridge channels and
// the decoders that build them from raw frames.
package fleet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Channel names
const (
	RobotLocationsChannel = "robot-locations"
	TaskUpdatesChannel    = "task-updates"
)

// ID identifies a robot or task. The backend may send it as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*id = ID(n.String())
		return nil
	default:
		return fmt.Errorf("id must be a string or number, got %s", data)
	}
}

func (id ID) String() string { return string(id) }

// RobotLocationUpdate reports where one robot is
type RobotLocationUpdate struct {
	Robot      ID        `json:"robot"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Heading    float64   `json:"heading,omitempty"`
	HasHeading bool      `json:"-"`
	HasCrate   bool      `json:"hasCrate,omitempty"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// TaskStatus is the lifecycle state of a task as reported by the backend
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "Created"
	TaskStatusInProgress TaskStatus = "InProgress"
	TaskStatusCompleted  TaskStatus = "Completed"
	TaskStatusCancelled  TaskStatus = "Cancelled"
)

// IsTerminal reports whether no further updates are expected for the task
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// TaskUpdate reports the status of one task
type TaskUpdate struct {
	Task       ID         `json:"task"`
	Status     TaskStatus `json:"status"`
	Robot      ID         `json:"robot,omitempty"`
	Seq        uint64     `json:"seq"`
	ReceivedAt time.Time  `json:"receivedAt"`
}
