package session

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjm1559/Clawbot/internal/event"
	"github.com/kjm1559/Clawbot/internal/pty"
)

const (
	defaultStartGrace = 10 * time.Second
	defaultKillGrace  = 5 * time.Second
)

// Options configures the controller. Zero values select defaults.
type Options struct {
	MaxSessions   int
	WorkDir       string
	ChunkMaxBytes int
	FlushInterval time.Duration
	QueueDepth    int
	StripANSI     bool
	StartGrace    time.Duration
	KillGrace     time.Duration
}

// Controller owns the session table and the state machine per session.
// It creates and destroys the PTY adapter and output pump for each
// session, serializes state mutation per session id, and emits
// lifecycle events on the bus.
type Controller struct {
	opts  Options
	store Store
	bus   *event.Bus

	mu     sync.Mutex
	procs  map[string]*managed
	claims map[string]string // actor → session id
}

// managed pairs a session record with its runtime resources. Its
// mutex totally orders state transitions for the session.
type managed struct {
	mu    sync.Mutex
	sess  *Session
	proc  *pty.Process
	pump  *pump
	grace *time.Timer
	done  chan struct{} // closed after session.end is published
}

// NewController creates a controller publishing to bus and recording
// sessions in store.
func NewController(store Store, bus *event.Bus, opts Options) *Controller {
	if opts.StartGrace <= 0 {
		opts.StartGrace = defaultStartGrace
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	return &Controller{
		opts:   opts,
		store:  store,
		bus:    bus,
		procs:  make(map[string]*managed),
		claims: make(map[string]string),
	}
}

// Launch creates a session for argv and spawns it under a PTY.
// Returns the session snapshot, already in STARTING (or FAILED with
// ErrSpawnFailed if the subprocess could not be created).
func (c *Controller) Launch(argv []string, workDir string) (Session, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Session{}, ErrInvalidCommand
	}
	if workDir == "" {
		workDir = c.opts.WorkDir
	}

	c.mu.Lock()
	if c.opts.MaxSessions > 0 {
		active := 0
		for _, m := range c.procs {
			m.mu.Lock()
			if !m.sess.State.Terminal() {
				active++
			}
			m.mu.Unlock()
		}
		if active >= c.opts.MaxSessions {
			c.mu.Unlock()
			return Session{}, fmt.Errorf("%w (%d)", ErrMaxSessions, c.opts.MaxSessions)
		}
	}

	sess := &Session{
		ID:        uuid.New().String(),
		State:     StateCreated,
		Command:   append([]string(nil), argv...),
		WorkDir:   workDir,
		CreatedAt: time.Now().UTC(),
	}
	m := &managed{sess: sess, done: make(chan struct{})}
	c.procs[sess.ID] = m
	c.store.Put(sess)
	c.mu.Unlock()

	c.bus.Publish(event.Event{
		Type:      event.TypeSessionStart,
		SessionID: sess.ID,
		Payload: event.SessionStart{
			SessionID: sess.ID,
			Command:   sess.Command,
			WorkDir:   workDir,
		},
	})

	m.mu.Lock()
	if !c.transitionLocked(m, StateStarting) {
		// Cancelled between creation and spawn.
		snap := m.sess.snapshot()
		m.mu.Unlock()
		return snap, fmt.Errorf("session %s is %s: %w", sess.ID, snap.State, ErrInvalidState)
	}

	proc, err := pty.Start(argv, workDir)
	if err != nil {
		c.transitionLocked(m, StateFailed)
		m.sess.EndReason = fmt.Sprintf("spawn error: %v", err)
		snap := m.sess.snapshot()
		m.mu.Unlock()
		close(m.done)
		c.publishSessionEnd(snap)
		return snap, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	m.proc = proc
	m.sess.Pid = proc.Pid()
	m.pump = newPump(sess.ID, proc.Output(), c.bus, pumpConfig{
		chunkMaxBytes: c.opts.ChunkMaxBytes,
		flushInterval: c.opts.FlushInterval,
		queueDepth:    c.opts.QueueDepth,
		stripANSI:     c.opts.StripANSI,
	}, func() { c.markRunning(m) })
	m.grace = time.AfterFunc(c.opts.StartGrace, func() { c.startGraceExpired(m) })
	snap := m.sess.snapshot()
	m.mu.Unlock()

	go c.waitForExit(m)

	log.Printf("session %s: launched %q (pid %d)", sess.ID, argv[0], snap.Pid)
	return snap, nil
}

// Write forwards data verbatim to the session's terminal input.
// Rejected with ErrInvalidState unless the session is RUNNING. A
// failed write is retried once before surfacing as ErrIO.
func (c *Controller) Write(id string, data []byte) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.State != StateRunning {
		return fmt.Errorf("session %s is %s: %w", id, m.sess.State, ErrInvalidState)
	}
	return c.writeLocked(m, data)
}

func (c *Controller) writeLocked(m *managed, data []byte) error {
	if err := m.proc.Write(data); err != nil {
		if err = m.proc.Write(data); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

// Signal delivers INTERRUPT or EOF to the subprocess. Permitted in
// every non-terminal state that has a process.
func (c *Controller) Signal(id string, kind pty.SignalKind) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.State.Terminal() || m.proc == nil {
		return fmt.Errorf("session %s is %s: %w", id, m.sess.State, ErrInvalidState)
	}
	if err := m.proc.Signal(kind); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Cancel transitions the session to CANCELLED first (so subsequent
// writes are rejected), then best-effort terminates the subprocess.
// Cancelling a terminal session is a no-op.
func (c *Controller) Cancel(id string) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.sess.State.Terminal() {
		m.mu.Unlock()
		return nil
	}

	c.transitionLocked(m, StateCancelled)
	m.sess.EndReason = "cancelled"
	proc := m.proc
	if m.grace != nil {
		m.grace.Stop()
	}
	m.sess.ClaimOwner = ""
	snap := m.sess.snapshot()
	m.mu.Unlock()

	c.releaseClaimsFor(id)

	if proc == nil {
		// Never spawned; nothing to terminate.
		close(m.done)
		c.publishSessionEnd(snap)
		return nil
	}
	go proc.Terminate(c.opts.KillGrace)
	return nil
}

// Get returns a snapshot of the session, or ErrNotFound.
func (c *Controller) Get(id string) (Session, error) {
	m, err := c.lookup(id)
	if err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.snapshot(), nil
}

// List returns snapshots of all sessions in creation order.
func (c *Controller) List() []Session {
	records := c.store.List()

	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Session, 0, len(records))
	for _, rec := range records {
		m, ok := c.procs[rec.ID]
		if !ok {
			continue
		}
		m.mu.Lock()
		result = append(result, m.sess.snapshot())
		m.mu.Unlock()
	}
	return result
}

// Active returns the ids of all non-terminal sessions in creation
// order.
func (c *Controller) Active() []string {
	var ids []string
	for _, s := range c.List() {
		if !s.State.Terminal() {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Claim binds actor to the session for implicit input routing. An
// actor holds at most one claim; claiming again moves it.
func (c *Controller) Claim(id, actor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.procs[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	m.mu.Lock()
	if m.sess.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", id, m.sess.State, ErrInvalidState)
	}
	m.sess.ClaimOwner = actor
	m.mu.Unlock()

	if prev, ok := c.claims[actor]; ok && prev != id {
		if pm := c.procs[prev]; pm != nil {
			pm.mu.Lock()
			if pm.sess.ClaimOwner == actor {
				pm.sess.ClaimOwner = ""
			}
			pm.mu.Unlock()
		}
	}
	c.claims[actor] = id
	return nil
}

// Release drops actor's claim, returning the session id it was bound
// to, or "" if the actor held no claim.
func (c *Controller) Release(actor string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.claims[actor]
	if !ok {
		return ""
	}
	delete(c.claims, actor)
	if m := c.procs[id]; m != nil {
		m.mu.Lock()
		if m.sess.ClaimOwner == actor {
			m.sess.ClaimOwner = ""
		}
		m.mu.Unlock()
	}
	return id
}

// ClaimedBy returns the non-terminal session currently claimed by
// actor, if any.
func (c *Controller) ClaimedBy(actor string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.claims[actor]
	if !ok {
		return "", false
	}
	m := c.procs[id]
	if m == nil {
		return "", false
	}
	m.mu.Lock()
	terminal := m.sess.State.Terminal()
	m.mu.Unlock()
	if terminal {
		return "", false
	}
	return id, true
}

// BeginPermissionWait drives a RUNNING session to WAITING_PERMISSION.
func (c *Controller) BeginPermissionWait(id string) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.State != StateRunning {
		return fmt.Errorf("session %s is %s: %w", id, m.sess.State, ErrInvalidState)
	}
	c.transitionLocked(m, StateWaitingPermission)
	return nil
}

// EndPermissionWait returns a WAITING_PERMISSION session to RUNNING
// and writes the decision into the subprocess.
func (c *Controller) EndPermissionWait(id string, decision []byte) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.State != StateWaitingPermission {
		return fmt.Errorf("session %s is %s: %w", id, m.sess.State, ErrInvalidState)
	}
	c.transitionLocked(m, StateRunning)
	return c.writeLocked(m, decision)
}

// Shutdown cancels every live session and waits up to the kill grace
// period plus a margin for their bookkeeping to finish. Called on
// process exit so no child is orphaned.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	var pending []*managed
	for _, m := range c.procs {
		pending = append(pending, m)
	}
	c.mu.Unlock()

	for _, m := range pending {
		m.mu.Lock()
		id := m.sess.ID
		terminal := m.sess.State.Terminal()
		m.mu.Unlock()
		if !terminal {
			c.Cancel(id)
		}
	}

	deadline := time.After(c.opts.KillGrace + time.Second)
	for i, m := range pending {
		select {
		case <-m.done:
		case <-deadline:
			// Out of time: force-kill everything still alive.
			for _, rest := range pending[i:] {
				if rest.proc != nil {
					rest.proc.Kill()
				}
			}
			return
		}
	}
}

// lookup finds the managed record for id.
func (c *Controller) lookup(id string) (*managed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.procs[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return m, nil
}

// transitionLocked performs one state machine edge. Caller holds
// m.mu. Illegal edges are logged and ignored so a race between two
// outcome paths can never corrupt state.
func (c *Controller) transitionLocked(m *managed, to State) bool {
	from := m.sess.State
	if !from.CanTransition(to) {
		log.Printf("session %s: rejected transition %s -> %s", m.sess.ID, from, to)
		return false
	}
	m.sess.State = to

	now := time.Now().UTC()
	if to == StateRunning && m.sess.StartedAt.IsZero() {
		m.sess.StartedAt = now
	}
	if to.Terminal() {
		m.sess.EndedAt = now
	}

	c.bus.Publish(event.Event{
		Type:      event.TypeStateChange,
		SessionID: m.sess.ID,
		Payload: event.StateChange{
			SessionID: m.sess.ID,
			From:      string(from),
			To:        string(to),
		},
	})
	return true
}

// markRunning is the pump's first-read callback: STARTING → RUNNING.
func (c *Controller) markRunning(m *managed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.State != StateStarting {
		return
	}
	c.transitionLocked(m, StateRunning)
	if m.grace != nil {
		m.grace.Stop()
	}
}

// startGraceExpired fires when a session produced no output within the
// start grace period and the process has not exited.
func (c *Controller) startGraceExpired(m *managed) {
	m.mu.Lock()
	if m.sess.State != StateStarting {
		m.mu.Unlock()
		return
	}
	c.transitionLocked(m, StateFailed)
	m.sess.EndReason = "no output within start grace period"
	proc := m.proc
	m.mu.Unlock()

	c.releaseClaimsFor(m.sess.ID)
	if proc != nil {
		go proc.Terminate(c.opts.KillGrace)
	}
}

// waitForExit reaps the subprocess, waits for the pump's final flush,
// finishes state bookkeeping, and publishes session.end. The final
// output chunk is therefore always published before session.end.
func (c *Controller) waitForExit(m *managed) {
	code := m.proc.Wait()
	<-m.pump.Done()

	m.mu.Lock()
	if m.grace != nil {
		m.grace.Stop()
	}
	if m.sess.State == StateStarting {
		// Exited before producing any output; pass through RUNNING so
		// only documented edges are taken.
		c.transitionLocked(m, StateRunning)
	}
	if !m.sess.State.Terminal() {
		if code == 0 {
			c.transitionLocked(m, StateCompleted)
		} else {
			c.transitionLocked(m, StateFailed)
			m.sess.EndReason = fmt.Sprintf("exit code %d", code)
		}
	}
	m.sess.ExitCode = &code
	m.sess.ClaimOwner = ""
	snap := m.sess.snapshot()
	m.mu.Unlock()

	c.releaseClaimsFor(snap.ID)
	close(m.done)
	c.publishSessionEnd(snap)

	log.Printf("session %s: ended %s (exit %d)", snap.ID, snap.State, code)
}

// releaseClaimsFor clears every claim bound to a session.
func (c *Controller) releaseClaimsFor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for actor, sid := range c.claims {
		if sid == id {
			delete(c.claims, actor)
		}
	}
}

func (c *Controller) publishSessionEnd(snap Session) {
	exitCode := 0
	if snap.ExitCode != nil {
		exitCode = *snap.ExitCode
	}
	c.bus.Publish(event.Event{
		Type:      event.TypeSessionEnd,
		SessionID: snap.ID,
		Payload: event.SessionEnd{
			SessionID: snap.ID,
			State:     string(snap.State),
			ExitCode:  exitCode,
			Duration:  snap.EndedAt.Sub(snap.CreatedAt),
			Reason:    snap.EndReason,
		},
	})
}
