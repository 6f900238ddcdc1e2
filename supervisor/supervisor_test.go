package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/GoAethereal/cancel"
)

func TestRunStopsWorkersOnCancel(t *testing.T) {
	s := New(nil)
	s.TerminateTimeout = 100 * time.Millisecond

	started := make(chan struct{})
	s.Add("steady", func(ctx cancel.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	root := cancel.New()
	errC := make(chan error, 1)
	go func() { errC <- s.Run(root) }()

	<-started
	root.Cancel()

	select {
	case <-errC:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestFatalAfterMaxRespawns(t *testing.T) {
	s := New(nil)
	s.MaxRespawns = 2
	s.RespawnReset = time.Hour // never resets mid-test
	s.TerminateTimeout = 100 * time.Millisecond

	attempts := 0
	s.Add("flaky", func(ctx cancel.Context) error {
		attempts++
		return errors.New("boom")
	})

	root := cancel.New()
	err := s.Run(root)

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want *FatalError", err)
	}
	if fatal.Worker != "flaky" {
		t.Fatalf("fatal.Worker = %q, want flaky", fatal.Worker)
	}
	if attempts != s.MaxRespawns {
		t.Fatalf("attempts = %d, want %d", attempts, s.MaxRespawns)
	}
}

func TestRespawnCounterResetsAfterRespawnReset(t *testing.T) {
	s := New(nil)
	s.MaxRespawns = 2
	s.RespawnReset = 10 * time.Millisecond
	s.TerminateTimeout = 100 * time.Millisecond

	attempts := 0
	s.Add("slow-fail", func(ctx cancel.Context) error {
		attempts++
		time.Sleep(20 * time.Millisecond) // longer than RespawnReset
		return errors.New("boom")
	})

	root := cancel.New()
	done := make(chan error, 1)
	go func() { done <- s.Run(root) }()

	// the failure counter should never reach MaxRespawns because each
	// run takes longer than RespawnReset, so let it churn briefly then
	// cancel explicitly rather than waiting for a fatal that should
	// never come.
	time.Sleep(70 * time.Millisecond)
	root.Cancel()

	select {
	case err := <-done:
		var fatal *FatalError
		if errors.As(err, &fatal) {
			t.Fatalf("expected no fatal error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2 respawns to have occurred", attempts)
	}
}

func TestPanicIsRecoveredAsFailure(t *testing.T) {
	s := New(nil)
	s.MaxRespawns = 1
	s.RespawnReset = time.Hour
	s.TerminateTimeout = 100 * time.Millisecond

	s.Add("panicky", func(ctx cancel.Context) error {
		panic("unexpected")
	})

	root := cancel.New()
	err := s.Run(root)

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want *FatalError", err)
	}
}
