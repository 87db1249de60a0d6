// Package pty wraps one subprocess bound to a pseudo-terminal. The
// driven programs rely on interactive line editing and cursor control,
// so a plain pipe is not enough: the child must see a real terminal on
// its standard streams.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	defaultCols = 120
	defaultRows = 40

	readBufSize = 4096

	// EOT is the end-of-transmission control byte the terminal line
	// discipline interprets as end of input.
	eot = 0x04
)

// SignalKind selects which control action Signal delivers.
type SignalKind string

const (
	SignalInterrupt SignalKind = "INTERRUPT"
	SignalEOF       SignalKind = "EOF"
)

// Process is one subprocess attached to a pseudo-terminal. The read
// loop runs on its own goroutine and delivers output over Output();
// the channel is closed when the terminal read side fails, which on
// Linux happens when the child exits.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex

	exitCode int
}

// Start spawns argv under a new pseudo-terminal in dir. The child's
// stdin, stdout and stderr are all the terminal's slave side.
func Start(argv []string, dir string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		return nil, fmt.Errorf("start %q under pty: %w", argv[0], err)
	}

	p := &Process{
		cmd:  cmd,
		ptmx: ptmx,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}

	go p.readLoop()
	go p.reap()

	return p, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Output returns the stream of raw terminal output. The channel is
// closed once no more output can arrive.
func (p *Process) Output() <-chan []byte {
	return p.out
}

// Write forwards data verbatim to the terminal's input side.
func (p *Process) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.ptmx.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Signal delivers a control action to the child: INTERRUPT sends the
// platform interrupt signal, EOF transmits the terminal's
// end-of-transmission byte.
func (p *Process) Signal(kind SignalKind) error {
	switch kind {
	case SignalInterrupt:
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("send interrupt: %w", err)
		}
		return nil
	case SignalEOF:
		return p.Write([]byte{eot})
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}
}

// Terminate asks the child to exit with SIGTERM, waits up to grace,
// then force-kills. Safe to call multiple times and after exit.
func (p *Process) Terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
	case <-time.After(grace):
		p.cmd.Process.Kill()
	}
}

// Kill force-kills the child immediately.
func (p *Process) Kill() {
	select {
	case <-p.done:
	default:
		p.cmd.Process.Kill()
	}
}

// Wait blocks until the child has exited and returns its exit code.
func (p *Process) Wait() int {
	<-p.done
	return p.exitCode
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// readLoop drains the terminal master until it errors, forwarding
// output in freshly allocated slices. A read error here is the normal
// end-of-output signal, not a fault to raise.
func (p *Process) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.out <- data
		}
		if err != nil {
			close(p.out)
			return
		}
	}
}

// reap waits for the child, records its exit code, and releases the
// terminal handle exactly once.
func (p *Process) reap() {
	err := p.cmd.Wait()

	p.exitCode = 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
		}
	}

	close(p.done)
	p.release()
}

// release closes the terminal master, unblocking the read loop if it
// has not already hit the child-exit error.
func (p *Process) release() {
	p.closeOnce.Do(func() {
		p.ptmx.Close()
	})
}
