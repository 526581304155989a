package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/notify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMirror() *Mirror {
	return New(config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "oracle"}, "oracle-test", quietLogger())
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg *paho.Publish) (*paho.PublishResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.msgs = append(p.msgs, msg)
	return &paho.PublishResponse{}, nil
}

func (p *recordingPublisher) published() []*paho.Publish {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*paho.Publish(nil), p.msgs...)
}

func TestMirror_Topics(t *testing.T) {
	m := testMirror()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"voiceTopic", m.voiceTopic("u1"), "oracle/u1/voice"},
		{"voiceTopic wildcards", m.voiceTopic("a/b+#"), "oracle/a_b__/voice"},
		{"cancelFilter", m.cancelFilter(), "oracle/+/voice/cancel"},
		{"availabilityTopic", m.availabilityTopic(), "oracle/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestMirror_SinkAndDrain(t *testing.T) {
	m := testMirror()
	pub := &recordingPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.drain(ctx, pub)
		close(done)
	}()

	m.Sink("u1", notify.Event{Type: notify.KindVoiceReady, TaskID: "task-1", TurnID: "t1", AudioRef: "abc.mp3"})

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.published()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msg := pub.published()[0]
	if msg.Topic != "oracle/u1/voice" || msg.QoS != 1 || msg.Retain {
		t.Errorf("publish = topic %q qos %d retain %v", msg.Topic, msg.QoS, msg.Retain)
	}
	var e notify.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != notify.KindVoiceReady || e.TaskID != "task-1" || e.AudioRef != "abc.mp3" {
		t.Errorf("payload = %+v", e)
	}
}

func TestMirror_SinkNeverBlocks(t *testing.T) {
	m := testMirror()
	// Nobody drains: the buffer fills and later events are dropped.
	start := time.Now()
	for i := 0; i < DefaultBufferSize*2; i++ {
		m.Sink("u1", notify.Event{Type: notify.KindVoiceFailed, TaskID: "t", Reason: "cancelled"})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sink blocked for %v", elapsed)
	}
	if len(m.queue) != DefaultBufferSize {
		t.Errorf("buffered = %d, want %d", len(m.queue), DefaultBufferSize)
	}
}

func TestMirror_DrainSurvivesPublishErrors(t *testing.T) {
	m := testMirror()
	pub := &recordingPublisher{err: errors.New("not connected")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.drain(ctx, pub)
		close(done)
	}()
	m.Sink("u1", notify.Event{Type: notify.KindVoiceReady})
	m.Sink("u1", notify.Event{Type: notify.KindVoiceReady})

	deadline := time.Now().Add(2 * time.Second)
	for len(m.queue) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("drain stopped after a publish error")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

type cancelRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (c *cancelRecorder) Cancel(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, taskID)
}

func TestMirror_HandleCancel(t *testing.T) {
	m := testMirror()
	rec := &cancelRecorder{}

	// Without a canceller, messages are ignored.
	m.handleCancel("oracle/u1/voice/cancel", []byte("task-0"))

	m.SetCanceller(rec)
	m.handleCancel("oracle/u1/voice/cancel", []byte(" task-1\n"))
	m.handleCancel("oracle/u1/voice/cancel", []byte(`{"task_id":"task-2"}`))
	m.handleCancel("oracle/u1/voice/cancel", []byte(`{"task_id":`))
	m.handleCancel("oracle/u1/voice/cancel", []byte(""))
	m.handleCancel("oracle/u1/voice", []byte("task-3"))
	m.handleCancel("other/u1/voice/cancel", []byte("task-4"))

	if strings.Join(rec.ids, ",") != "task-1,task-2" {
		t.Errorf("cancelled = %v, want [task-1 task-2]", rec.ids)
	}
}

func TestMessageRateLimiter(t *testing.T) {
	r := newMessageRateLimiter(2, time.Hour, quietLogger())
	got := []bool{r.allow(), r.allow(), r.allow()}
	if !got[0] || !got[1] || got[2] {
		t.Errorf("allow sequence = %v, want [true true false]", got)
	}
	if r.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", r.dropped.Load())
	}
}

func TestResolveClientID(t *testing.T) {
	dir := t.TempDir()

	if id, err := ResolveClientID(dir, "kitchen"); err != nil || id != "kitchen" {
		t.Errorf("configured = %q, %v", id, err)
	}

	first, err := ResolveClientID(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first, "oracle-") || len(first) != len("oracle-")+12 {
		t.Errorf("generated id = %q", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, clientIDFile))
	if err != nil || strings.TrimSpace(string(data)) != first {
		t.Errorf("persisted = %q, %v", data, err)
	}

	second, err := ResolveClientID(dir, "")
	if err != nil || second != first {
		t.Errorf("second = %q, want %q (stable)", second, first)
	}
}
