package fleet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dbehnke/fleet-bridge/pkg/channel"
)

// DecodeError reports a frame that was dropped because it failed validation
type DecodeError struct {
	Channel string
	Seq     uint64
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s frame %d: %s: %v", e.Channel, e.Seq, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s frame %d: %s", e.Channel, e.Seq, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errMissingField = errors.New("missing required field")

func missing(field string) error {
	return fmt.Errorf("%w %q", errMissingField, field)
}

// RobotLocationDecoder decodes frames from the robot-locations channel
type RobotLocationDecoder struct{}

func (RobotLocationDecoder) Decode(f channel.Frame) ([]RobotLocationUpdate, error) {
	return decodeFrame(f, func(raw json.RawMessage) (RobotLocationUpdate, error) {
		fs, err := objectFields(raw)
		if err != nil {
			return RobotLocationUpdate{}, err
		}

		robot, err := fs.requiredID("robot", "id")
		if err != nil {
			return RobotLocationUpdate{}, err
		}
		x, err := fs.requiredFloat("x", "xPosition")
		if err != nil {
			return RobotLocationUpdate{}, err
		}
		y, err := fs.requiredFloat("y", "yPosition")
		if err != nil {
			return RobotLocationUpdate{}, err
		}

		u := RobotLocationUpdate{
			Robot:      robot,
			X:          x,
			Y:          y,
			Seq:        f.Seq,
			ReceivedAt: f.ReceivedAt,
		}
		if v, ok := fs.lookup("heading"); ok && json.Unmarshal(v, &u.Heading) == nil {
			u.HasHeading = true
		}
		if v, ok := fs.lookup("hasCrate"); ok {
			_ = json.Unmarshal(v, &u.HasCrate)
		}
		return u, nil
	})
}

// TaskUpdateDecoder decodes frames from the task-updates channel
type TaskUpdateDecoder struct{}

func (TaskUpdateDecoder) Decode(f channel.Frame) ([]TaskUpdate, error) {
	return decodeFrame(f, func(raw json.RawMessage) (TaskUpdate, error) {
		fs, err := objectFields(raw)
		if err != nil {
			return TaskUpdate{}, err
		}

		task, err := fs.requiredID("task", "id")
		if err != nil {
			return TaskUpdate{}, err
		}

		v, ok := fs.lookup("status")
		if !ok {
			return TaskUpdate{}, missing("status")
		}
		var status string
		if err := json.Unmarshal(v, &status); err != nil {
			return TaskUpdate{}, fmt.Errorf("field %q: %w", "status", err)
		}
		if status == "" {
			return TaskUpdate{}, missing("status")
		}

		u := TaskUpdate{
			Task:       task,
			Status:     TaskStatus(status),
			Seq:        f.Seq,
			ReceivedAt: f.ReceivedAt,
		}
		if v, ok := fs.lookup("robot", "robotId"); ok {
			var robot ID
			if json.Unmarshal(v, &robot) == nil {
				u.Robot = robot
			}
		}
		return u, nil
	})
}

// fields holds the members of one JSON object. Keys keep their original
// spelling; a key repeated with identical spelling keeps its last value.
type fields map[string]json.RawMessage

func objectFields(raw json.RawMessage) (fields, error) {
	var fs fields
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil, err
	}
	if fs == nil {
		return nil, errors.New("message must be a JSON object")
	}
	return fs, nil
}

// lookup returns the first non-null value among the aliases. Any exact key
// match beats a case-insensitive one; among case variants of the same
// alias the lexically smallest key wins.
func (fs fields) lookup(aliases ...string) (json.RawMessage, bool) {
	for _, alias := range aliases {
		if v, ok := fs[alias]; ok && !isNull(v) {
			return v, true
		}
	}

	for _, alias := range aliases {
		var keys []string
		for k, v := range fs {
			if k != alias && strings.EqualFold(k, alias) && !isNull(v) {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			sort.Strings(keys)
			return fs[keys[0]], true
		}
	}
	return nil, false
}

func (fs fields) requiredID(aliases ...string) (ID, error) {
	v, ok := fs.lookup(aliases...)
	if !ok {
		return "", missing(aliases[0])
	}
	var id ID
	if err := json.Unmarshal(v, &id); err != nil {
		return "", fmt.Errorf("field %q: %w", aliases[0], err)
	}
	if id == "" {
		return "", missing(aliases[0])
	}
	return id, nil
}

func (fs fields) requiredFloat(aliases ...string) (float64, error) {
	v, ok := fs.lookup(aliases...)
	if !ok {
		return 0, missing(aliases[0])
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, fmt.Errorf("field %q: %w", aliases[0], err)
	}
	return f, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// decodeFrame accepts a single JSON object or an array of them. Arrays are
// decoded atomically so a snapshot is never half-applied.
func decodeFrame[T any](f channel.Frame, one func(json.RawMessage) (T, error)) ([]T, error) {
	fail := func(reason string, err error) error {
		return &DecodeError{Channel: f.Channel, Seq: f.Seq, Reason: reason, Err: err}
	}

	payload := bytes.TrimSpace(f.Payload)
	if len(payload) == 0 {
		return nil, fail("empty frame", nil)
	}

	var raw json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fail("malformed JSON", err)
	}

	switch payload[0] {
	case '{':
		m, err := one(raw)
		if err != nil {
			return nil, fail("invalid message", err)
		}
		return []T{m}, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fail("malformed JSON", err)
		}
		out := make([]T, 0, len(items))
		for i, item := range items {
			m, err := one(item)
			if err != nil {
				return nil, fail(fmt.Sprintf("invalid message at index %d", i), err)
			}
			out = append(out, m)
		}
		return out, nil

	default:
		return nil, fail("frame must be a JSON object or array", nil)
	}
}
