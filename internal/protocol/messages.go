package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/teamtasks/internal/tasks"
)

// MessageType identifies activity stream payload variants.
type MessageType string

const (
	TypeSubscribe     MessageType = "subscribe"
	TypePing          MessageType = "ping"
	TypeActivityEvent MessageType = "activity_event"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
	TypePong          MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Subscribe replaces the connection's filter. An empty TaskID follows every task.
type Subscribe struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type ActivityEvent struct {
	Type     MessageType    `json:"type"`
	Activity tasks.Activity `json:"activity"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	TaskID string      `json:"task_id,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func NewActivityEvent(a tasks.Activity) ActivityEvent {
	return ActivityEvent{Type: TypeActivityEvent, Activity: a}
}

func NewSystemEvent(code, taskID, detail string) SystemEvent {
	return SystemEvent{Type: TypeSystemEvent, Code: code, TaskID: taskID, Detail: detail}
}

func NewErrorEvent(code, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, Code: code, Detail: detail}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubscribe:
		var msg Subscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.TaskID = strings.TrimSpace(msg.TaskID)
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TSMs < 0 {
			return nil, errors.New("invalid ping")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
