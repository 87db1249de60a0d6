// Package permission tracks pending permission requests: at most one
// per session, resolved by an external numeric decision or by a
// timeout applying the default.
package permission

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjm1559/Clawbot/internal/event"
)

// Stable error kinds for broker misuse.
var (
	// ErrAlreadyPending means the session already awaits a decision.
	// The existing request is left untouched.
	ErrAlreadyPending = errors.New("permission request already pending")

	// ErrNoPendingRequest means there is nothing to resolve. A manual
	// resolution arriving after the timeout fired gets this error:
	// whichever outcome occurs first wins.
	ErrNoPendingRequest = errors.New("no pending permission request")

	// ErrInvalidDecision means the numeric code is not one of the
	// known decisions.
	ErrInvalidDecision = errors.New("invalid decision code")
)

// TimeoutActor identifies the synthetic resolver used when the
// timeout watcher applies the default decision.
const TimeoutActor = "system"

// Decision is one of the closed set of permission outcomes. The
// numeric codes are what gets written to the subprocess.
type Decision int

const (
	Allow     Decision = 1
	AllowOnce Decision = 2
	Deny      Decision = 3
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "Allow"
	case AllowOnce:
		return "Allow once"
	case Deny:
		return "Deny"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// ParseDecision validates a numeric decision code.
func ParseDecision(code int) (Decision, error) {
	switch Decision(code) {
	case Allow, AllowOnce, Deny:
		return Decision(code), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidDecision, code)
}

// Request is one pending permission request.
type Request struct {
	ID        string
	SessionID string
	Summary   string
	CreatedAt time.Time
	Deadline  time.Time
	Default   Decision
}

// SessionGate is the controller surface the broker drives: pausing a
// session while a decision is pending and delivering the decision.
type SessionGate interface {
	BeginPermissionWait(sessionID string) error
	EndPermissionWait(sessionID string, decision []byte) error
}

type pendingRequest struct {
	req   Request
	timer *time.Timer
}

// Broker holds at most one pending request per session.
type Broker struct {
	gate           SessionGate
	bus            *event.Bus
	defaultDecide  Decision
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest // session id → request
}

// NewBroker creates a broker resolving unanswered requests to
// defaultDecision after defaultTimeout.
func NewBroker(gate SessionGate, bus *event.Bus, defaultDecision Decision, defaultTimeout time.Duration) *Broker {
	return &Broker{
		gate:           gate,
		bus:            bus,
		defaultDecide:  defaultDecision,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingRequest),
	}
}

// Register opens a pending request against the session and drives it
// to WAITING_PERMISSION. Fails with ErrAlreadyPending if the session
// already awaits a decision; the existing request is unaltered. A
// zero timeout selects the broker's default.
func (b *Broker) Register(sessionID, summary string, timeout time.Duration) (Request, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.mu.Lock()
	if _, ok := b.pending[sessionID]; ok {
		b.mu.Unlock()
		return Request{}, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyPending)
	}

	// Pause the session before exposing the request. Fails if the
	// session is not RUNNING.
	if err := b.gate.BeginPermissionWait(sessionID); err != nil {
		b.mu.Unlock()
		return Request{}, err
	}

	now := time.Now().UTC()
	req := Request{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Summary:   summary,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		Default:   b.defaultDecide,
	}
	p := &pendingRequest{req: req}
	p.timer = time.AfterFunc(timeout, func() { b.expire(sessionID, req.ID) })
	b.pending[sessionID] = p
	b.mu.Unlock()

	b.bus.Publish(event.Event{
		Type:      event.TypePermissionRequest,
		SessionID: sessionID,
		Payload: event.PermissionRequest{
			RequestID: req.ID,
			SessionID: sessionID,
			Summary:   summary,
			Deadline:  req.Deadline,
			Default:   int(b.defaultDecide),
		},
	})
	return req, nil
}

// Resolve applies an external decision to the session's pending
// request. Fails with ErrNoPendingRequest if none exists (including
// when the timeout already won the race).
func (b *Broker) Resolve(sessionID string, decision Decision, actor string) error {
	if _, err := ParseDecision(int(decision)); err != nil {
		return err
	}
	return b.resolve(sessionID, "", decision, actor, false)
}

// Pending reports the session's pending request, if any.
func (b *Broker) Pending(sessionID string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[sessionID]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

// Drop discards a pending request without resolving it, cancelling
// its timeout watcher. Used when the session ends while waiting.
func (b *Broker) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pending[sessionID]; ok {
		p.timer.Stop()
		delete(b.pending, sessionID)
	}
}

// expire is the timeout watcher: applies the default decision if the
// request is still pending at the deadline.
func (b *Broker) expire(sessionID, requestID string) {
	if err := b.resolve(sessionID, requestID, b.defaultDecide, TimeoutActor, true); err != nil {
		// Manual resolution won the race; nothing to do.
		return
	}
	log.Printf("session %s: permission request timed out, applied %s", sessionID, b.defaultDecide)
}

// resolve removes the pending entry and delivers the decision.
// Removal under the lock makes manual and timeout resolution mutually
// exclusive: exactly one caller finds the entry.
func (b *Broker) resolve(sessionID, requestID string, decision Decision, actor string, timedOut bool) error {
	b.mu.Lock()
	p, ok := b.pending[sessionID]
	if !ok || (requestID != "" && p.req.ID != requestID) {
		b.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrNoPendingRequest)
	}
	delete(b.pending, sessionID)
	p.timer.Stop()
	b.mu.Unlock()

	// Deliver the decision's numeric representation and return the
	// session to RUNNING. If the session reached a terminal state in
	// the meantime the write is skipped; the resolution still counts.
	payload := []byte(strconv.Itoa(int(decision)) + "\n")
	delivered := true
	if err := b.gate.EndPermissionWait(sessionID, payload); err != nil {
		delivered = false
		log.Printf("session %s: permission decision not delivered: %v", sessionID, err)
	}

	b.bus.Publish(event.Event{
		Type:      event.TypePermissionResolve,
		SessionID: sessionID,
		Payload: event.PermissionResolve{
			RequestID: p.req.ID,
			SessionID: sessionID,
			Decision:  int(decision),
			Actor:     actor,
			TimedOut:  timedOut,
			Delivered: delivered,
		},
	})
	return nil
}
