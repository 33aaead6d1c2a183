package diagnostics

import (
	"sync"
	"time"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

const (
	CodeBootFailed   = "BOOT.FAILED"
	CodeFailSafe     = "BRIDGE.FAILSAFE"
	CodeFrameDropped = "DMX.FRAME_DROPPED"
	CodeDMXError     = "DMX.TX_ERROR"
	CodeLEDError     = "LED.ERROR"
	CodeLinkError    = "LINK.ERROR"
	CodePatternDone  = "PATTERN.DONE"
	CodePatternUnk   = "PATTERN.UNKNOWN"
)

type Diagnostic struct {
	Time           time.Time      `json:"time"`
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// Sink accepts diagnostics; Push must not block.
type Sink interface {
	Push(d Diagnostic)
}

// Hub keeps the most recent diagnostics and fans them out to subscribers.
// Slow subscribers miss records rather than stall the pusher.
type Hub struct {
	mu     sync.Mutex
	keep   int
	recent []Diagnostic
	subs   map[chan Diagnostic]struct{}
	now    func() time.Time
}

func NewHub(keep int) *Hub {
	if keep <= 0 {
		keep = 64
	}
	return &Hub{keep: keep, subs: map[chan Diagnostic]struct{}{}, now: time.Now}
}

func (h *Hub) Push(d Diagnostic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d.Time.IsZero() {
		d.Time = h.now()
	}
	h.recent = append(h.recent, d)
	if over := len(h.recent) - h.keep; over > 0 {
		h.recent = append(h.recent[:0], h.recent[over:]...)
	}
	for c := range h.subs {
		select {
		case c <- d:
		default:
		}
	}
}

// Subscribe returns a channel of new diagnostics and a cancel func.
func (h *Hub) Subscribe() (<-chan Diagnostic, func()) {
	c := make(chan Diagnostic, 16)
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	return c, func() {
		h.mu.Lock()
		if _, ok := h.subs[c]; ok {
			delete(h.subs, c)
			close(c)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) Recent() []Diagnostic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Diagnostic(nil), h.recent...)
}
