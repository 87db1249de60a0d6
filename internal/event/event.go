package event

import "time"

// Type identifies one kind of event carried by the bus.
type Type string

const (
	TypeSessionStart      Type = "session.start"
	TypeStateChange       Type = "state.change"
	TypeOutputChunk       Type = "output.chunk"
	TypeOutputDropped     Type = "output.dropped"
	TypePermissionRequest Type = "permission.request"
	TypePermissionResolve Type = "permission.resolve"
	TypeInputForwarded    Type = "input.forwarded"
	TypeSessionEnd        Type = "session.end"
	TypeFilesUpdate       Type = "files.update"
)

// Event is the envelope published on the bus. Payload holds one of the
// typed payload structs below, matching Type.
type Event struct {
	Type      Type
	SessionID string
	Time      time.Time
	Payload   any
}

// SessionStart announces a newly created session.
type SessionStart struct {
	SessionID string
	Command   []string
	WorkDir   string
}

// StateChange records a single state machine transition.
type StateChange struct {
	SessionID string
	From      string
	To        string
}

// Chunk is one bounded, sequenced unit of captured subprocess output.
// Sequence numbers start at 0 and are strictly increasing per session.
// IsFinal is true only on the terminal flush of a session.
type Chunk struct {
	SessionID string
	Payload   string
	Seq       uint64
	IsFinal   bool
}

// Dropped reports one drop episode: Count chunks were discarded because
// the outbound queue was full. The sequence gap downstream identifies
// which chunks were lost.
type Dropped struct {
	SessionID string
	Count     int
	FirstSeq  uint64
	LastSeq   uint64
}

// PermissionRequest announces a pending decision blocking a session.
type PermissionRequest struct {
	RequestID string
	SessionID string
	Summary   string
	Deadline  time.Time
	Default   int
}

// PermissionResolve records the outcome of a permission request.
// TimedOut is true when the default decision was applied by the
// timeout watcher rather than by an external actor.
type PermissionResolve struct {
	RequestID string
	SessionID string
	Decision  int
	Actor     string
	TimedOut  bool
	Delivered bool
}

// InputForwarded records one payload written into a subprocess.
type InputForwarded struct {
	SessionID string
	Actor     string
	Bytes     int
}

// SessionEnd summarizes a session that reached a terminal state.
type SessionEnd struct {
	SessionID string
	State     string
	ExitCode  int
	Duration  time.Duration
	Reason    string
}

// FilesUpdate reports a change in the file count of a session's
// working directory.
type FilesUpdate struct {
	SessionID string
	FileCount int
}
