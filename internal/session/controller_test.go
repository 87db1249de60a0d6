package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kjm1559/Clawbot/internal/event"
	"github.com/kjm1559/Clawbot/internal/pty"
)

func newTestController(t *testing.T, opts Options) (*Controller, *event.Bus) {
	t.Helper()

	if opts.FlushInterval == 0 {
		opts.FlushInterval = 20 * time.Millisecond
	}
	bus := event.NewBus()
	ctrl := NewController(NewMemoryStore(), bus, opts)
	t.Cleanup(func() {
		ctrl.Shutdown()
		bus.Close()
	})
	return ctrl, bus
}

// waitForState polls until the session reaches the wanted state.
func waitForState(t *testing.T, ctrl *Controller, id string, want State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := ctrl.Get(id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.State == want {
			return
		}
		if sess.State.Terminal() && !want.Terminal() {
			t.Fatalf("session ended in %s while waiting for %s", sess.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	sess, _ := ctrl.Get(id)
	t.Fatalf("session stuck in %s, wanted %s", sess.State, want)
}

func TestController_LaunchEchoLifecycle(t *testing.T) {
	ctrl, bus := newTestController(t, Options{})
	events, cancel := bus.SubscribeBuffered(256)
	defer cancel()

	sess, err := ctrl.Launch([]string{"/bin/echo", "hello"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if sess.State != StateStarting {
		t.Errorf("expected STARTING after launch, got %s", sess.State)
	}
	if sess.Pid <= 0 {
		t.Errorf("expected a pid, got %d", sess.Pid)
	}

	var transitions []string
	var output strings.Builder
	sawFinalChunk := false
	endAfterFinal := false
	deadline := time.After(5 * time.Second)

collect:
	for {
		select {
		case ev := <-events:
			switch p := ev.Payload.(type) {
			case event.StateChange:
				transitions = append(transitions, p.From+">"+p.To)
			case event.Chunk:
				output.WriteString(p.Payload)
				if p.IsFinal {
					sawFinalChunk = true
				}
			case event.SessionEnd:
				endAfterFinal = sawFinalChunk
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for session.end")
		}
	}

	want := []string{
		"CREATED>STARTING",
		"STARTING>RUNNING",
		"RUNNING>COMPLETED",
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
	if !endAfterFinal {
		t.Error("session.end published before the final output chunk")
	}
	if !strings.Contains(output.String(), "hello") {
		t.Errorf("expected output to contain hello, got %q", output.String())
	}

	final, err := ctrl.Get(sess.ID)
	if err != nil {
		t.Fatalf("get after end: %v", err)
	}
	if final.State != StateCompleted {
		t.Errorf("expected COMPLETED, got %s", final.State)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", final.ExitCode)
	}
	if final.EndedAt.IsZero() || final.StartedAt.IsZero() {
		t.Error("expected StartedAt and EndedAt to be set")
	}
}

func TestController_EmptyCommandRejected(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	if _, err := ctrl.Launch(nil, ""); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand for nil argv, got %v", err)
	}
	if _, err := ctrl.Launch([]string{"  "}, ""); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand for blank argv, got %v", err)
	}
}

func TestController_SpawnFailure(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	sess, err := ctrl.Launch([]string{"/nonexistent/binary"}, "")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if sess.State != StateFailed {
		t.Errorf("expected FAILED, got %s", sess.State)
	}
}

func TestController_NonzeroExitIsFailed(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	sess, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo boom; exit 3"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	waitForState(t, ctrl, sess.ID, StateFailed)
	final, _ := ctrl.Get(sess.ID)
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", final.ExitCode)
	}
}

func TestController_WriteAndEOF(t *testing.T) {
	ctrl, bus := newTestController(t, Options{})
	events, cancel := bus.SubscribeBuffered(256, event.TypeOutputChunk)
	defer cancel()

	sess, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo ready; cat"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateRunning)

	if err := ctrl.Write(sess.ID, []byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var output strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(output.String(), "ping") {
		select {
		case ev := <-events:
			if chunk, ok := ev.Payload.(event.Chunk); ok {
				output.WriteString(chunk.Payload)
			}
		case <-deadline:
			t.Fatalf("cat never echoed input, output so far: %q", output.String())
		}
	}

	if err := ctrl.Signal(sess.ID, pty.SignalEOF); err != nil {
		t.Fatalf("signal EOF: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateCompleted)
}

func TestController_WriteRejectedWhenNotRunning(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	if err := ctrl.Write("no-such-id", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	sess, err := ctrl.Launch([]string{"/bin/echo", "bye"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateCompleted)

	if err := ctrl.Write(sess.ID, []byte("x")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for terminal session, got %v", err)
	}
}

func TestController_InterruptSignal(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	sess, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo up; exec sleep 30"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateRunning)

	if err := ctrl.Signal(sess.ID, pty.SignalInterrupt); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateFailed)
}

func TestController_CancelIsIsolated(t *testing.T) {
	ctrl, _ := newTestController(t, Options{KillGrace: time.Second})

	a, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo a; sleep 30"}, "")
	if err != nil {
		t.Fatalf("launch a: %v", err)
	}
	b, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo b; sleep 30"}, "")
	if err != nil {
		t.Fatalf("launch b: %v", err)
	}
	waitForState(t, ctrl, a.ID, StateRunning)
	waitForState(t, ctrl, b.ID, StateRunning)

	if err := ctrl.Cancel(a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := ctrl.Get(a.ID)
	if got.State != StateCancelled {
		t.Errorf("expected CANCELLED immediately, got %s", got.State)
	}
	if err := ctrl.Write(a.ID, []byte("x")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState writing to cancelled session, got %v", err)
	}

	// Cancelling again is a no-op.
	if err := ctrl.Cancel(a.ID); err != nil {
		t.Errorf("second cancel: %v", err)
	}

	other, _ := ctrl.Get(b.ID)
	if other.State != StateRunning {
		t.Errorf("other session disturbed, state %s", other.State)
	}
}

func TestController_MaxSessions(t *testing.T) {
	ctrl, _ := newTestController(t, Options{MaxSessions: 1})

	a, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo a; sleep 30"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if _, err := ctrl.Launch([]string{"/bin/echo", "b"}, ""); !errors.Is(err, ErrMaxSessions) {
		t.Errorf("expected ErrMaxSessions, got %v", err)
	}

	// Capacity frees up once the first session ends.
	ctrl.Cancel(a.ID)
	waitForState(t, ctrl, a.ID, StateCancelled)
	if _, err := ctrl.Launch([]string{"/bin/echo", "b"}, ""); err != nil {
		t.Errorf("expected launch to succeed after cancel, got %v", err)
	}
}

func TestController_ListInCreationOrder(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo x; sleep 30"}, "")
		if err != nil {
			t.Fatalf("launch %d: %v", i, err)
		}
		ids = append(ids, sess.ID)
	}

	list := ctrl.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i, sess := range list {
		if sess.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], sess.ID)
		}
	}

	active := ctrl.Active()
	if len(active) != 3 {
		t.Errorf("expected 3 active sessions, got %d", len(active))
	}
}

func TestController_Claims(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	a, _ := ctrl.Launch([]string{"/bin/sh", "-c", "echo a; sleep 30"}, "")
	b, _ := ctrl.Launch([]string{"/bin/sh", "-c", "echo b; sleep 30"}, "")

	if err := ctrl.Claim(a.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id, ok := ctrl.ClaimedBy("alice"); !ok || id != a.ID {
		t.Errorf("expected alice bound to %s, got %s (%v)", a.ID, id, ok)
	}

	// Re-claiming moves the binding.
	if err := ctrl.Claim(b.ID, "alice"); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if id, _ := ctrl.ClaimedBy("alice"); id != b.ID {
		t.Errorf("expected claim moved to %s, got %s", b.ID, id)
	}
	first, _ := ctrl.Get(a.ID)
	if first.ClaimOwner != "" {
		t.Errorf("expected previous session unclaimed, owner %q", first.ClaimOwner)
	}

	if id := ctrl.Release("alice"); id != b.ID {
		t.Errorf("expected release to return %s, got %s", b.ID, id)
	}
	if _, ok := ctrl.ClaimedBy("alice"); ok {
		t.Error("expected no claim after release")
	}
	if id := ctrl.Release("alice"); id != "" {
		t.Errorf("expected empty release, got %s", id)
	}

	if err := ctrl.Claim("no-such-id", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestController_ClaimClearedWhenSessionEnds(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	sess, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo ready; cat"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateRunning)

	if err := ctrl.Claim(sess.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ctrl.Signal(sess.ID, pty.SignalEOF); err != nil {
		t.Fatalf("eof: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateCompleted)

	if _, ok := ctrl.ClaimedBy("alice"); ok {
		t.Error("expected claim released when session ended")
	}

	if err := ctrl.Claim(sess.ID, "bob"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState claiming terminal session, got %v", err)
	}
}

func TestController_PermissionWait(t *testing.T) {
	ctrl, bus := newTestController(t, Options{})
	events, cancel := bus.SubscribeBuffered(256, event.TypeOutputChunk)
	defer cancel()

	sess, err := ctrl.Launch([]string{"/bin/sh", "-c", "echo ready; cat"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForState(t, ctrl, sess.ID, StateRunning)

	if err := ctrl.BeginPermissionWait(sess.ID); err != nil {
		t.Fatalf("begin wait: %v", err)
	}
	got, _ := ctrl.Get(sess.ID)
	if got.State != StateWaitingPermission {
		t.Fatalf("expected WAITING_PERMISSION, got %s", got.State)
	}

	// Regular input is blocked while waiting.
	if err := ctrl.Write(sess.ID, []byte("x")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while waiting, got %v", err)
	}
	if err := ctrl.BeginPermissionWait(sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for double begin, got %v", err)
	}

	if err := ctrl.EndPermissionWait(sess.ID, []byte("1\n")); err != nil {
		t.Fatalf("end wait: %v", err)
	}
	got, _ = ctrl.Get(sess.ID)
	if got.State != StateRunning {
		t.Fatalf("expected RUNNING after resolve, got %s", got.State)
	}

	// The decision reached the subprocess: cat echoes it back.
	var output strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(output.String(), "1") {
		select {
		case ev := <-events:
			if chunk, ok := ev.Payload.(event.Chunk); ok {
				output.WriteString(chunk.Payload)
			}
		case <-deadline:
			t.Fatalf("decision never echoed, output: %q", output.String())
		}
	}

	ctrl.Signal(sess.ID, pty.SignalEOF)
	waitForState(t, ctrl, sess.ID, StateCompleted)
}

func TestController_StartGraceExpiry(t *testing.T) {
	ctrl, _ := newTestController(t, Options{
		StartGrace: 200 * time.Millisecond,
		KillGrace:  time.Second,
	})

	sess, err := ctrl.Launch([]string{"/bin/sleep", "30"}, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	waitForState(t, ctrl, sess.ID, StateFailed)
	final, _ := ctrl.Get(sess.ID)
	if final.EndReason == "" {
		t.Error("expected an end reason on grace expiry")
	}
}
