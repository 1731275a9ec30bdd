package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/teamtasks/internal/tasks"
)

func TestParseClientMessageSubscribe(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","task_id":"  t1 "}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	sub, ok := msg.(Subscribe)
	if !ok {
		t.Fatalf("message type = %T, want Subscribe", msg)
	}
	if sub.TaskID != "t1" {
		t.Fatalf("TaskID = %q, want %q", sub.TaskID, "t1")
	}
}

func TestParseClientMessageSubscribeAll(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if sub := msg.(Subscribe); sub.TaskID != "" {
		t.Fatalf("TaskID = %q, want empty", sub.TaskID)
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping","ts_ms":42}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if ping, ok := msg.(Ping); !ok || ping.TSMs != 42 {
		t.Fatalf("message = %#v, want Ping{TSMs:42}", msg)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"ping","ts_ms":-1}`)); err == nil {
		t.Fatalf("expected validation error for negative ts_ms")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestActivityEventJSON(t *testing.T) {
	newValue := "done"
	raw, err := json.Marshal(NewActivityEvent(tasks.Activity{
		ID:        "a1",
		TaskID:    "t1",
		UserID:    "u1",
		Action:    tasks.ActionStatusChanged,
		NewValue:  &newValue,
		CreatedAt: time.Unix(0, 0).UTC(),
	}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got := string(raw)
	for _, want := range []string{`"type":"activity_event"`, `"action":"status_changed"`, `"new_value":"done"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("payload %s missing %s", got, want)
		}
	}
	if strings.Contains(got, "old_value") {
		t.Fatalf("payload %s should omit nil old_value", got)
	}
}
