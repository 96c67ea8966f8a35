package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stockapp/crawlsync/internal/models"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	publisher := NewNATSPublisher(conn, "crawlsync")
	publisher.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }

	event := models.JobEvent{
		Type:           models.JobEventSucceeded,
		Symbol:         "BRK.B",
		PreviousStatus: models.JobStatusFailed,
	}
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if len(conn.subjects) != 1 || conn.subjects[0] != "crawlsync.jobs.BRK_B" {
		t.Fatalf("unexpected subjects: %v", conn.subjects)
	}

	var message EventMessage
	if err := json.Unmarshal(conn.payloads[0], &message); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if message.Category != models.CategoryJobRecovered {
		t.Errorf("expected category %s, got %s", models.CategoryJobRecovered, message.Category)
	}
	if message.Event.Symbol != "BRK.B" || message.Source != "crawlsync" {
		t.Errorf("unexpected message: %+v", message)
	}
}

func TestNATSPublisher_PublishError(t *testing.T) {
	publisher := NewNATSPublisher(&fakeConn{err: errors.New("nats: connection closed")}, "crawlsync")
	if err := publisher.Publish(context.Background(), models.JobEvent{Symbol: "AAPL"}); err == nil {
		t.Fatal("expected error from failing connection")
	}
}

type recordingPublisher struct {
	events []models.JobEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.JobEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func TestFanout_AttemptsEveryPublisher(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("mirror down")}
	healthy := &recordingPublisher{}

	err := Fanout{failing, healthy}.Publish(context.Background(), models.JobEvent{Symbol: "AAPL"})
	if err == nil || err.Error() != "mirror down" {
		t.Fatalf("expected joined mirror error, got %v", err)
	}
	if len(failing.events) != 1 || len(healthy.events) != 1 {
		t.Errorf("expected both publishers to receive the event, got %d and %d", len(failing.events), len(healthy.events))
	}

	if err := (Fanout{healthy}).Publish(context.Background(), models.JobEvent{Symbol: "MSFT"}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"AAPL":   "AAPL",
		"BRK.B":  "BRK_B",
		"a b*c>": "a_b_c_",
	}
	for in, want := range tests {
		if got := SubjectToken(in); got != want {
			t.Errorf("SubjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}
