package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"signupbot/internal/eventbus"
	logx "signupbot/pkg/logx"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) snapshot() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func TestRunWritesKeyedJSON(t *testing.T) {
	t.Parallel()
	fw := &fakeWriter{}
	s := NewWithWriter(fw, logx.Nop())
	events := make(chan eventbus.Event, 2)
	at := time.Date(2024, 5, 7, 15, 0, 0, 0, time.UTC)
	events <- eventbus.Event{Type: eventbus.PollOpened, Time: at, Key: "training", Data: eventbus.PollEvent{Definition: "training", At: at}}
	events <- eventbus.Event{Type: eventbus.NotifySent, Time: at}
	close(events)

	if err := s.Run(context.Background(), events); err != nil {
		t.Fatalf("Run err = %v", err)
	}
	msgs := fw.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if string(msgs[0].Key) != "training" {
		t.Fatalf("key = %q, want training", msgs[0].Key)
	}
	if string(msgs[1].Key) != eventbus.NotifySent {
		t.Fatalf("fallback key = %q, want %q", msgs[1].Key, eventbus.NotifySent)
	}
	var decoded struct {
		Type string `json:"type"`
		Data struct {
			Definition string `json:"definition"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msgs[0].Value, &decoded); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if decoded.Type != eventbus.PollOpened || decoded.Data.Definition != "training" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestRunSurvivesWriteErrors(t *testing.T) {
	t.Parallel()
	fw := &fakeWriter{fail: true}
	s := NewWithWriter(fw, logx.Nop())
	events := make(chan eventbus.Event, 1)
	events <- eventbus.Event{Type: eventbus.PollClosed}
	close(events)
	if err := s.Run(context.Background(), events); err != nil {
		t.Fatalf("Run err = %v", err)
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Topic: "polls"}, logx.Nop()); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := New(Config{Brokers: []string{"localhost:9092"}}, logx.Nop()); err == nil {
		t.Fatal("expected error without topic")
	}
}
