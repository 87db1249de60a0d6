package pty

import (
	"strings"
	"testing"
	"time"
)

// drain collects all output until the channel closes.
func drain(t *testing.T, p *Process) string {
	t.Helper()

	var b strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case data, ok := <-p.Output():
			if !ok {
				return b.String()
			}
			b.Write(data)
		case <-deadline:
			t.Fatalf("output channel never closed, collected %q", b.String())
		}
	}
}

// discard drains output in the background for tests that only care
// about process lifetime.
func discard(p *Process) {
	go func() {
		for range p.Output() {
		}
	}()
}

func TestStart_EmptyCommand(t *testing.T) {
	if _, err := Start(nil, ""); err == nil {
		t.Fatal("expected an error for empty argv")
	}
}

func TestStart_BadBinary(t *testing.T) {
	if _, err := Start([]string{"/nonexistent/binary"}, ""); err == nil {
		t.Fatal("expected an error for a nonexistent binary")
	}
}

func TestProcess_EchoOutputAndExit(t *testing.T) {
	p, err := Start([]string{"/bin/echo", "hello"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.Pid() <= 0 {
		t.Errorf("expected a pid, got %d", p.Pid())
	}

	out := drain(t, p)
	if !strings.Contains(out, "hello") {
		t.Errorf("expected output to contain hello, got %q", out)
	}
	if code := p.Wait(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestProcess_ExitCodePropagated(t *testing.T) {
	p, err := Start([]string{"/bin/sh", "-c", "exit 7"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drain(t, p)
	if code := p.Wait(); code != 7 {
		t.Errorf("expected exit code 7, got %d", code)
	}
}

func TestProcess_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	p, err := Start([]string{"/bin/sh", "-c", "pwd"}, dir)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	out := drain(t, p)
	if !strings.Contains(out, dir) {
		t.Errorf("expected output to contain %q, got %q", dir, out)
	}
	p.Wait()
}

func TestProcess_WriteAndEOF(t *testing.T) {
	p, err := Start([]string{"/bin/cat"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := p.Write([]byte("roundtrip\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Signal(SignalEOF); err != nil {
		t.Fatalf("signal eof: %v", err)
	}

	out := drain(t, p)
	if !strings.Contains(out, "roundtrip") {
		t.Errorf("expected echoed input, got %q", out)
	}
	if code := p.Wait(); code != 0 {
		t.Errorf("expected cat to exit 0 on EOF, got %d", code)
	}
}

func TestProcess_Interrupt(t *testing.T) {
	p, err := Start([]string{"/bin/sleep", "30"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := p.Signal(SignalInterrupt); err != nil {
		t.Fatalf("signal: %v", err)
	}

	drain(t, p)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after interrupt")
	}
	if code := p.Wait(); code == 0 {
		t.Error("expected a nonzero exit code after interrupt")
	}
}

func TestProcess_UnknownSignal(t *testing.T) {
	p, err := Start([]string{"/bin/echo", "x"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Signal(SignalKind("HUP")); err == nil {
		t.Error("expected an error for an unknown signal kind")
	}
	drain(t, p)
	p.Wait()
}

func TestProcess_TerminateGraceful(t *testing.T) {
	p, err := Start([]string{"/bin/sleep", "30"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	discard(p)
	start := time.Now()
	p.Terminate(3 * time.Second)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("process still alive after terminate")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("SIGTERM path took %v, should not have waited for the kill", elapsed)
	}

	// Terminate after exit is a no-op.
	p.Terminate(time.Second)
}

func TestProcess_TerminateForcesKill(t *testing.T) {
	// A child that ignores SIGTERM only dies from the follow-up kill.
	p, err := Start([]string{"/bin/sh", "-c", "trap '' TERM; echo up; sleep 30"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	discard(p)
	p.Terminate(200 * time.Millisecond)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived the force kill")
	}
	if code := p.Wait(); code == 0 {
		t.Error("expected a nonzero exit code after kill")
	}
}
