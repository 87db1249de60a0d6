package session

import (
	"bytes"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kjm1559/Clawbot/internal/event"
)

const (
	defaultChunkMaxBytes = 3500
	defaultFlushInterval = 200 * time.Millisecond
	defaultQueueDepth    = 64

	// An ESC this close to the end of the buffer with no completed
	// sequence is held for the next read; anything older is flushed
	// as-is rather than buffered forever.
	escHoldWindow = 32
)

// ansiEscape matches two-byte escapes and CSI sequences.
var ansiEscape = regexp.MustCompile("\x1b" + `(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

type pumpConfig struct {
	chunkMaxBytes int
	flushInterval time.Duration
	queueDepth    int
	stripANSI     bool
}

func (c *pumpConfig) defaults() {
	if c.chunkMaxBytes <= 0 {
		c.chunkMaxBytes = defaultChunkMaxBytes
	}
	if c.flushInterval <= 0 {
		c.flushInterval = defaultFlushInterval
	}
	if c.queueDepth <= 0 {
		c.queueDepth = defaultQueueDepth
	}
}

// pump drains one session's terminal output, accumulates it into a
// buffer, and flushes sequenced chunks to the bus. Flushes happen when
// the buffer reaches its ceiling, when the flush timer elapses with a
// non-empty buffer, and once more when the stream ends (final flush,
// IsFinal set, even if empty).
type pump struct {
	sessionID   string
	src         <-chan []byte
	bus         *event.Bus
	cfg         pumpConfig
	onFirstRead func()

	buf   []byte
	seq   uint64
	queue *chunkQueue
	done  chan struct{}
}

func newPump(sessionID string, src <-chan []byte, bus *event.Bus, cfg pumpConfig, onFirstRead func()) *pump {
	cfg.defaults()
	p := &pump{
		sessionID:   sessionID,
		src:         src,
		bus:         bus,
		cfg:         cfg,
		onFirstRead: onFirstRead,
		queue:       newChunkQueue(cfg.queueDepth),
		done:        make(chan struct{}),
	}
	go p.run()
	go p.send()
	return p
}

// Done is closed after the final chunk has been published.
func (p *pump) Done() <-chan struct{} {
	return p.done
}

func (p *pump) run() {
	ticker := time.NewTicker(p.cfg.flushInterval)
	defer ticker.Stop()

	first := true
	for {
		select {
		case data, ok := <-p.src:
			if !ok {
				p.flush(true)
				return
			}
			if first {
				first = false
				if p.onFirstRead != nil {
					p.onFirstRead()
				}
			}
			p.buf = append(p.buf, data...)
			for len(p.buf) >= p.cfg.chunkMaxBytes {
				if !p.flush(false) {
					break
				}
			}

		case <-ticker.C:
			if len(p.buf) > 0 {
				p.flush(false)
			}
		}
	}
}

// flush emits one chunk from the front of the buffer. Non-final
// flushes cut at the chunk ceiling, backed off to a UTF-8 rune
// boundary, and hold back an unterminated trailing escape sequence so
// stripping never corrupts a sequence split across reads. Reports
// whether anything was emitted.
func (p *pump) flush(final bool) bool {
	cut := len(p.buf)
	if !final {
		if cut > p.cfg.chunkMaxBytes {
			cut = p.cfg.chunkMaxBytes
			for cut > 0 && !utf8.RuneStart(p.buf[cut]) {
				cut--
			}
		} else {
			cut = completeRunePrefix(p.buf)
		}
		if esc := incompleteEscapeStart(p.buf[:cut]); esc >= 0 {
			cut = esc
		}
		if cut == 0 {
			return false
		}
	}

	payload := p.buf[:cut]
	rest := p.buf[cut:]
	p.buf = append([]byte(nil), rest...)

	if p.cfg.stripANSI {
		payload = ansiEscape.ReplaceAll(payload, nil)
	}

	chunk := event.Chunk{
		SessionID: p.sessionID,
		Payload:   string(payload),
		Seq:       p.seq,
		IsFinal:   final,
	}
	p.seq++
	p.queue.push(chunk, final)
	return true
}

// send drains the queue and publishes to the bus, announcing one
// output.dropped event per drop episode before the next delivered
// chunk. Exits after the final chunk is out.
func (p *pump) send() {
	defer close(p.done)

	for {
		chunk, drop, ok := p.queue.pop()
		if !ok {
			return
		}
		if drop.Count > 0 {
			p.bus.Publish(event.Event{
				Type:      event.TypeOutputDropped,
				SessionID: p.sessionID,
				Payload:   drop,
			})
		}
		p.bus.Publish(event.Event{
			Type:      event.TypeOutputChunk,
			SessionID: p.sessionID,
			Payload:   chunk,
		})
		if chunk.IsFinal {
			return
		}
	}
}

// completeRunePrefix returns the length of b without any trailing
// incomplete UTF-8 sequence.
func completeRunePrefix(b []byte) int {
	end := len(b)
	for i := 1; i <= utf8.UTFMax && i <= end; i++ {
		c := b[end-i]
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[end-i:]) {
				return end
			}
			return end - i
		}
	}
	return end
}

// incompleteEscapeStart returns the index of a trailing unterminated
// escape sequence near the end of b, or -1 if none.
func incompleteEscapeStart(b []byte) int {
	i := bytes.LastIndexByte(b, 0x1b)
	if i < 0 || len(b)-i > escHoldWindow {
		return -1
	}
	if loc := ansiEscape.FindIndex(b[i:]); loc != nil && loc[0] == 0 {
		return -1 // sequence is complete
	}
	return i
}

// chunkQueue is the bounded outbound queue between production and
// emission. When full, the oldest un-sent chunk is discarded; drops
// are surfaced to the consumer, never silent. The final chunk is
// always retained.
type chunkQueue struct {
	mu     sync.Mutex
	items  []event.Chunk
	depth  int
	closed bool

	dropCount int
	firstDrop uint64
	lastDrop  uint64

	signal chan struct{}
}

func newChunkQueue(depth int) *chunkQueue {
	return &chunkQueue{depth: depth, signal: make(chan struct{}, 1)}
}

func (q *chunkQueue) push(c event.Chunk, final bool) {
	q.mu.Lock()
	if len(q.items) >= q.depth {
		old := q.items[0]
		q.items = q.items[1:]
		if q.dropCount == 0 {
			q.firstDrop = old.Seq
		}
		q.lastDrop = old.Seq
		q.dropCount++
	}
	q.items = append(q.items, c)
	if final {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks for the next chunk. The returned Dropped payload carries
// the drop episode that preceded this chunk, if any.
func (q *chunkQueue) pop() (event.Chunk, event.Dropped, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items = q.items[1:]
			drop := event.Dropped{
				SessionID: c.SessionID,
				Count:     q.dropCount,
				FirstSeq:  q.firstDrop,
				LastSeq:   q.lastDrop,
			}
			q.dropCount = 0
			q.mu.Unlock()
			return c, drop, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return event.Chunk{}, event.Dropped{}, false
		}
		<-q.signal
	}
}
