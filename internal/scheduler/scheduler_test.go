package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func TestDailyAtNext(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		loc  *time.Location
		from time.Time
		want time.Time
	}{
		{
			name: "before midnight rolls to next day",
			loc:  time.UTC,
			from: time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC),
			want: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at trigger moves a full day",
			loc:  time.UTC,
			from: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month boundary",
			loc:  time.UTC,
			from: time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "honours location",
			loc:  newYork,
			from: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 3, 0, 0, 0, 0, newYork),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule, err := DailyAt(0, 0, tt.loc)
			if err != nil {
				t.Fatalf("DailyAt returned error: %v", err)
			}
			if got := schedule.Next(tt.from); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestDailyAtRejectsInvalidTime(t *testing.T) {
	for _, hm := range [][2]int{{24, 0}, {-1, 0}, {0, 60}} {
		if _, err := DailyAt(hm[0], hm[1], time.UTC); err == nil {
			t.Errorf("expected error for %02d:%02d", hm[0], hm[1])
		}
	}
}

func TestEvery(t *testing.T) {
	schedule := Every(90 * time.Minute)
	from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	if got := schedule.Next(from); !got.Equal(from.Add(90 * time.Minute)) {
		t.Errorf("unexpected next %v", got)
	}
	if schedule.String() != "every 1h30m0s" {
		t.Errorf("unexpected String() %q", schedule.String())
	}
}

func TestRegisterValidation(t *testing.T) {
	s := New(testLogger(), nil, time.UTC)
	noop := func(ctx context.Context) error { return nil }

	if err := s.Register(Job{Name: "a", Schedule: Every(time.Hour), Run: noop}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := s.Register(Job{Name: "a", Schedule: Every(time.Hour), Run: noop}); err == nil {
		t.Error("expected duplicate name to be rejected")
	}
	if err := s.Register(Job{Name: "b", Run: noop}); err == nil {
		t.Error("expected missing schedule to be rejected")
	}

	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()
	if err := s.Register(Job{Name: "c", Schedule: Every(time.Hour), Run: noop}); !errors.Is(err, ErrStarted) {
		t.Errorf("expected ErrStarted, got %v", err)
	}
	if names := s.Jobs(); len(names) != 1 || names[0] != "a" {
		t.Errorf("unexpected jobs %v", names)
	}
}

func TestRunNow(t *testing.T) {
	s := New(testLogger(), nil, time.UTC)
	var runs atomic.Int32
	failing := errors.New("store unavailable")

	_ = s.Register(Job{Name: "ok", Schedule: Every(time.Hour), Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}})
	_ = s.Register(Job{Name: "fails", Schedule: Every(time.Hour), Run: func(ctx context.Context) error {
		return failing
	}})
	_ = s.Register(Job{Name: "panics", Schedule: Every(time.Hour), Run: func(ctx context.Context) error {
		panic("boom")
	}})

	ctx := context.Background()
	if err := s.RunNow(ctx, "ok"); err != nil {
		t.Fatalf("RunNow(ok) returned error: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d", runs.Load())
	}
	if err := s.RunNow(ctx, "fails"); !errors.Is(err, failing) {
		t.Errorf("expected job error, got %v", err)
	}
	if err := s.RunNow(ctx, "panics"); err == nil {
		t.Error("expected panic to surface as error")
	}
	if err := s.RunNow(ctx, "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRunNowDoesNotOverlap(t *testing.T) {
	s := New(testLogger(), nil, time.UTC)
	started := make(chan struct{})
	release := make(chan struct{})

	_ = s.Register(Job{Name: "slow", Schedule: Every(time.Hour), Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, ErrJobRunning) {
		t.Errorf("expected ErrJobRunning, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run returned error: %v", err)
	}
}

func TestScheduledTriggerAndStop(t *testing.T) {
	s := New(testLogger(), nil, time.UTC)
	fired := make(chan struct{}, 10)
	cancelled := make(chan struct{})

	_ = s.Register(Job{Name: "tick", Schedule: Every(time.Second), Run: func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})

	s.Start()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job was not triggered by its schedule")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	select {
	case <-cancelled:
	default:
		t.Error("expected running job to observe cancellation before Stop returned")
	}
}
