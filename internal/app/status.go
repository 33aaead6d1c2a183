package app

import (
	"context"
	"time"

	diag "github.com/coreman2200/picoled-bridge/internal/diagnostics"
)

type LEDStatus struct {
	State     string  `json:"state"`
	Pixels    int     `json:"pixels"`
	Format    string  `json:"format"`
	Updates   uint64  `json:"updates"`
	Errors    uint64  `json:"errors"`
	FrameUs   float64 `json:"frame_us"`
	Corrected bool    `json:"corrected"`
}

type DMXStatus struct {
	State      string `json:"state"`
	Continuous bool   `json:"continuous"`
	Frames     uint64 `json:"frames"`
	Errors     uint64 `json:"errors"`
}

type ReceiverStatus struct {
	Frames  uint64    `json:"frames"`
	Dropped uint64    `json:"dropped"`
	Short   uint64    `json:"short"`
	Long    uint64    `json:"long"`
	Torn    uint64    `json:"torn"`
	BadCode uint64    `json:"bad_start_code"`
	Last    time.Time `json:"last_frame"`
}

type LinkStatus struct {
	State  string `json:"state"`
	Frames uint64 `json:"frames"`
	Bytes  uint64 `json:"bytes"`
	Errors uint64 `json:"errors"`
}

type BridgeStatus struct {
	Slot       string `json:"slot"`
	Published  uint64 `json:"published"`
	Consumed   uint64 `json:"consumed"`
	Coalesced  uint64 `json:"coalesced"`
	Rendered   uint64 `json:"rendered"`
	FailSafes  uint64 `json:"fail_safes"`
	SinkErrors uint64 `json:"sink_errors"`
	Policy     string `json:"policy"`
}

// Status is a point-in-time view of every engine. Absent engines are nil.
type Status struct {
	Initialized bool            `json:"initialized"`
	Mode        Mode            `json:"mode"`
	Pattern     string          `json:"pattern,omitempty"`
	Running     bool            `json:"running"`
	LED         LEDStatus       `json:"led"`
	DMX         *DMXStatus      `json:"dmx,omitempty"`
	Receiver    *ReceiverStatus `json:"receiver,omitempty"`
	Link        *LinkStatus     `json:"link,omitempty"`
	Bridge      *BridgeStatus   `json:"bridge,omitempty"`
}

func (c *Core) Status() Status {
	c.mu.Lock()
	st := Status{Mode: c.mode, Running: c.running}
	if c.mode == ModeOriginate {
		st.Pattern = string(c.plan.Kind)
	}
	c.mu.Unlock()

	st.Initialized = c.LED.Initialized()
	ls := c.LED.Stats()
	st.LED = LEDStatus{
		State:     c.LED.State().String(),
		Pixels:    c.LED.Count(),
		Format:    c.LED.Format().Name(),
		Updates:   ls.Updates,
		Errors:    ls.Errors,
		FrameUs:   float64(ls.LastFrame) / float64(time.Microsecond),
		Corrected: c.LED.Correction() != nil,
	}
	if c.DMX != nil {
		ds := c.DMX.Stats()
		st.DMX = &DMXStatus{State: c.DMX.State().String(), Continuous: c.DMX.Continuous(), Frames: ds.Frames, Errors: ds.Errors}
	}
	if c.Receiver != nil {
		rs := c.Receiver.Stats()
		st.Receiver = &ReceiverStatus{
			Frames: rs.Frames, Dropped: rs.Dropped(),
			Short: rs.Short, Long: rs.Long, Torn: rs.Torn, BadCode: rs.BadStartCode,
			Last: rs.LastFrame,
		}
	}
	if c.Link != nil {
		ks := c.Link.Stats()
		st.Link = &LinkStatus{State: c.Link.State().String(), Frames: ks.FramesSent, Bytes: ks.BytesSent, Errors: ks.Errors}
	}
	if c.slot != nil {
		ss := c.slot.Stats()
		rs := c.renderer.Stats()
		st.Bridge = &BridgeStatus{
			Slot:      ss.State.String(),
			Published: ss.Published, Consumed: ss.Consumed, Coalesced: ss.Coalesced,
			Rendered: rs.Rendered, FailSafes: rs.FailSafes, SinkErrors: rs.SinkErrors,
			Policy: c.renderer.Policy().String(),
		}
	}
	return st
}

// watch turns counter increases into diagnostics once per period.
func (c *Core) watch(ctx context.Context, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	prev := c.Status()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cur := c.Status()
			c.compare(prev, cur)
			prev = cur
		}
	}
}

func (c *Core) compare(prev, cur Status) {
	if n := cur.LED.Errors - prev.LED.Errors; n > 0 {
		c.push(diag.Diagnostic{
			Severity: diag.Err, Code: diag.CodeLEDError,
			Summary:        "LED frames failed to shift out",
			SuggestedFixes: []string{"check the SPI device path and permissions"},
			Evidence:       map[string]any{"errors": n},
		})
	}
	if cur.DMX != nil && prev.DMX != nil {
		if n := cur.DMX.Errors - prev.DMX.Errors; n > 0 {
			c.push(diag.Diagnostic{Severity: diag.Err, Code: diag.CodeDMXError, Summary: "DMX frames failed to send", Evidence: map[string]any{"errors": n}})
		}
	}
	if cur.Receiver != nil && prev.Receiver != nil {
		if n := cur.Receiver.Dropped - prev.Receiver.Dropped; n > 0 {
			c.push(diag.Diagnostic{
				Severity: diag.Warn, Code: diag.CodeFrameDropped,
				Summary:      "Malformed DMX frames dropped",
				LikelyCauses: []string{"line noise or missing termination", "transmitter sending short universes"},
				Evidence: map[string]any{
					"dropped": n,
					"short":   cur.Receiver.Short - prev.Receiver.Short,
					"long":    cur.Receiver.Long - prev.Receiver.Long,
					"torn":    cur.Receiver.Torn - prev.Receiver.Torn,
				},
			})
		}
	}
	if cur.Link != nil && prev.Link != nil {
		if n := cur.Link.Errors - prev.Link.Errors; n > 0 {
			c.push(diag.Diagnostic{Severity: diag.Err, Code: diag.CodeLinkError, Summary: "RS-485 transmissions failed", Evidence: map[string]any{"errors": n}})
		}
	}
}
