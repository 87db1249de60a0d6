package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeOutputDropped     = "output.dropped"
	TypePermissionRequest = "permission.request"
	TypePermissionResolve = "permission.resolve"
	TypeSessionEnded      = "session.ended"
	TypeFilesUpdate       = "files.update"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionLaunch    = "session.launch"
	TypeSessionInput     = "session.input"
	TypeSessionSend      = "session.send"
	TypeSessionClaim     = "session.claim"
	TypeSessionRelease   = "session.release"
	TypeSessionCancel    = "session.cancel"
	TypeSessionSignal    = "session.signal"
	TypePermissionAsk    = "permission.ask"
	TypePermissionDecide = "permission.decide"
)

// Error codes.
const (
	ErrSessionNotFound  = "SESSION_NOT_FOUND"
	ErrInvalidState     = "INVALID_STATE"
	ErrInvalidCommand   = "INVALID_COMMAND"
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrMaxSessions      = "MAX_SESSIONS"
	ErrSpawnFailed      = "SPAWN_FAILED"
	ErrAlreadyPending   = "ALREADY_PENDING"
	ErrNoPendingRequest = "NO_PENDING_REQUEST"
	ErrRoutingAmbiguous = "ROUTING_AMBIGUOUS"
	ErrRoutingFailure   = "ROUTING_FAILURE"
	ErrIOFailure        = "IO_ERROR"
	ErrInternal         = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	Command   []string `json:"command"`
	WorkDir   string   `json:"workDir"`
	CreatedAt string   `json:"createdAt"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Data      string `json:"data"`
	IsFinal   bool   `json:"isFinal"`
}

type OutputDroppedPayload struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
	FirstSeq  uint64 `json:"firstSeq"`
	LastSeq   uint64 `json:"lastSeq"`
}

type PermissionRequestPayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
	Deadline  string `json:"deadline"`
	Default   int    `json:"default"`
}

type PermissionResolvePayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Decision  int    `json:"decision"`
	Actor     string `json:"actor"`
	TimedOut  bool   `json:"timedOut"`
}

type SessionEndedPayload struct {
	SessionID  string `json:"sessionId"`
	State      string `json:"state"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Reason     string `json:"reason,omitempty"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionLaunchPayload struct {
	Command []string `json:"command"`
	WorkDir string   `json:"workDir,omitempty"`
}

// SessionInputPayload is free-form input routed by the input router:
// SessionID and ReplyTo are optional routing hints.
type SessionInputPayload struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// SessionSendPayload is explicitly addressed input.
type SessionSendPayload struct {
	SessionID string `json:"sessionId"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
}

type SessionClaimPayload struct {
	SessionID string `json:"sessionId"`
	Actor     string `json:"actor"`
}

type SessionReleasePayload struct {
	Actor string `json:"actor"`
}

type SessionCancelPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionSignalPayload struct {
	SessionID string `json:"sessionId"`
	Signal    string `json:"signal"` // INTERRUPT or EOF
}

type PermissionAskPayload struct {
	SessionID  string `json:"sessionId"`
	Summary    string `json:"summary"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

type PermissionDecidePayload struct {
	SessionID string `json:"sessionId"`
	Decision  int    `json:"decision"`
	Actor     string `json:"actor"`
}
