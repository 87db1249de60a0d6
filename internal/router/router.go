// Package router maps an inbound message to exactly one active
// session, or refuses. Precedence, first match wins: reply-binding,
// explicit addressing, claim binding, sole-session fallback. A tier
// matching more than one session is ambiguous; the router never
// guesses.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kjm1559/Clawbot/internal/event"
	"github.com/kjm1559/Clawbot/internal/permission"
)

// Stable routing failure kinds.
var (
	// ErrAmbiguous means more than one session matched at the same
	// tier. The message is dropped, not retried.
	ErrAmbiguous = errors.New("routing ambiguous")

	// ErrNoRoute means no session matched at any tier.
	ErrNoRoute = errors.New("no route for input")
)

// sidTag extracts the session id embedded in outbound messages, so a
// reply to one of them binds back to its session.
var sidTag = regexp.MustCompile(`\[SID:([^\]]+)\]`)

// Message is one inbound payload with its routing hints.
type Message struct {
	Sender    string
	Text      string
	SessionID string // explicit addressing, may be empty
	ReplyTo   string // text of the message being replied to, may be empty
}

// Sessions is the controller surface the router consumes.
type Sessions interface {
	Active() []string
	ClaimedBy(actor string) (string, bool)
	Write(id string, data []byte) error
}

// Permissions dispatches numeric payloads that resolve a pending
// request for the routed session.
type Permissions interface {
	Pending(sessionID string) (permission.Request, bool)
	Resolve(sessionID string, decision permission.Decision, actor string) error
}

// Router decides the destination for inbound input.
type Router struct {
	sessions Sessions
	perms    Permissions
	bus      *event.Bus
}

// New creates a router over the given collaborators.
func New(sessions Sessions, perms Permissions, bus *event.Bus) *Router {
	return &Router{sessions: sessions, perms: perms, bus: bus}
}

// Route delivers msg to exactly one session and returns its id. A
// numeric payload whose destination has a pending permission request
// resolves that request instead of being written to the subprocess.
// On failure the message is delivered nowhere and the error names why.
func (r *Router) Route(msg Message) (string, error) {
	target, err := r.resolveTarget(msg)
	if err != nil {
		return "", err
	}

	if code, ok := numericPayload(msg.Text); ok {
		if _, pending := r.perms.Pending(target); pending {
			decision, err := permission.ParseDecision(code)
			if err != nil {
				return "", err
			}
			return target, r.perms.Resolve(target, decision, msg.Sender)
		}
	}

	if err := r.sessions.Write(target, []byte(msg.Text+"\n")); err != nil {
		return "", err
	}

	r.bus.Publish(event.Event{
		Type:      event.TypeInputForwarded,
		SessionID: target,
		Payload: event.InputForwarded{
			SessionID: target,
			Actor:     msg.Sender,
			Bytes:     len(msg.Text) + 1,
		},
	})
	return target, nil
}

// resolveTarget walks the precedence tiers against the current set of
// non-terminal sessions.
func (r *Router) resolveTarget(msg Message) (string, error) {
	active := r.sessions.Active()
	isActive := make(map[string]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}

	// Tier 1: reply-binding.
	if msg.ReplyTo != "" {
		if id := extractSessionID(msg.ReplyTo); id != "" {
			if !isActive[id] {
				return "", fmt.Errorf("replied-to session %s is not active: %w", id, ErrNoRoute)
			}
			return id, nil
		}
	}

	// Tier 2: explicit addressing.
	if msg.SessionID != "" {
		if !isActive[msg.SessionID] {
			return "", fmt.Errorf("session %s is not active: %w", msg.SessionID, ErrNoRoute)
		}
		return msg.SessionID, nil
	}

	// Tier 3: claim binding.
	if id, ok := r.sessions.ClaimedBy(msg.Sender); ok {
		return id, nil
	}

	// Tier 4: sole-session fallback.
	switch len(active) {
	case 0:
		return "", fmt.Errorf("no active sessions: %w", ErrNoRoute)
	case 1:
		return active[0], nil
	default:
		return "", fmt.Errorf("%d active sessions, address one or claim: %w", len(active), ErrAmbiguous)
	}
}

// extractSessionID pulls a [SID:...] tag out of message text.
func extractSessionID(text string) string {
	m := sidTag.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// numericPayload reports whether the trimmed text is a bare integer.
func numericPayload(text string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, false
	}
	return n, true
}
