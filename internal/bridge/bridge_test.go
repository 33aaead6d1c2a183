package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/coreman2200/picoled-bridge/internal/dmx"
)

type call struct {
	u        dmx.Universe
	failsafe bool
}

// chanSink forwards every render to a channel.
func chanSink(c chan call) Sink {
	return SinkFunc(func(u *dmx.Universe, failsafe bool) error {
		c <- call{u: *u, failsafe: failsafe}
		return nil
	})
}

// timers hands out manually fired fail-safe timers.
type timers struct {
	mu    sync.Mutex
	chans []chan time.Time
	armed chan struct{}
}

func newTimers() *timers { return &timers{armed: make(chan struct{}, 64)} }

func (t *timers) after(time.Duration) <-chan time.Time {
	c := make(chan time.Time, 1)
	t.mu.Lock()
	t.chans = append(t.chans, c)
	t.mu.Unlock()
	t.armed <- struct{}{}
	return c
}

func (t *timers) fire(i int) {
	t.mu.Lock()
	c := t.chans[i]
	t.mu.Unlock()
	c <- time.Now()
}

func (t *timers) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chans)
}

func TestSlotStates(t *testing.T) {
	s := NewSlot()
	var dst dmx.Universe
	_, ok := s.Take(&dst)
	assert.False(t, ok)
	assert.Equal(t, Empty, s.Stats().State)

	var u dmx.Universe
	u[1] = 1
	assert.Equal(t, uint64(1), s.Publish(&u))
	assert.Equal(t, Filled, s.Stats().State)
	u[1] = 2
	s.Publish(&u)
	assert.Equal(t, uint64(1), s.Stats().Coalesced)

	// Latest wins; the source buffer is not aliased.
	u[1] = 3
	seq, ok := s.Take(&dst)
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, byte(2), dst[1])
	assert.Equal(t, Consumed, s.Stats().State)

	_, ok = s.Take(&dst)
	assert.False(t, ok)

	s.Publish(&u)
	st := s.Stats()
	assert.Equal(t, Filled, st.State)
	assert.Equal(t, uint64(1), st.Coalesced)
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(1), st.Consumed)
	assert.False(t, s.LastArrival().IsZero())
}

func TestSlotNotifyIsSingle(t *testing.T) {
	s := NewSlot()
	var u dmx.Universe
	for i := 0; i < 10; i++ {
		s.Publish(&u)
	}
	<-s.Notify()
	select {
	case <-s.Notify():
		t.Fatal("notification queued more than once")
	default:
	}
}

func tag(u *dmx.Universe, seq uint32) {
	binary.BigEndian.PutUint32(u[1:5], seq)
	for i := 5; i < 509; i++ {
		u[i] = byte(seq)
	}
	binary.BigEndian.PutUint32(u[509:513], seq)
}

func TestSlotNoTearing(t *testing.T) {
	s := NewSlot()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < 2; p++ {
		p := p
		g.Go(func() error {
			var u dmx.Universe
			for seq := uint32(p << 24); ctx.Err() == nil; seq++ {
				tag(&u, seq)
				s.Publish(&u)
			}
			return nil
		})
	}
	var taken int
	g.Go(func() error {
		var u dmx.Universe
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.Notify():
			}
			if _, ok := s.Take(&u); !ok {
				continue
			}
			taken++
			head := binary.BigEndian.Uint32(u[1:5])
			tail := binary.BigEndian.Uint32(u[509:513])
			if head != tail {
				return errors.New("torn snapshot")
			}
			for i := 5; i < 509; i++ {
				if u[i] != byte(head) {
					return errors.New("torn snapshot body")
				}
			}
		}
	})
	require.NoError(t, g.Wait())
	assert.Greater(t, taken, 0)
}

type fakeSource struct {
	frames chan dmx.Universe
}

func (f *fakeSource) Next(ctx context.Context, dst *dmx.Universe) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case u := <-f.frames:
		*dst = u
		return nil
	}
}

func TestAcquirerToRenderer(t *testing.T) {
	slot := NewSlot()
	src := &fakeSource{frames: make(chan dmx.Universe)}
	calls := make(chan call, 4)
	r := NewRenderer(slot, chanSink(calls), WithWindow(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return NewAcquirer(src, slot).Run(ctx) })
	g.Go(func() error { return r.Run(ctx) })

	var u dmx.Universe
	u[42] = 42
	src.frames <- u
	c := <-calls
	assert.False(t, c.failsafe)
	assert.Equal(t, u, c.u)

	cancel()
	require.NoError(t, g.Wait())
	assert.Equal(t, uint64(1), r.Stats().Rendered)
}

type failingSource struct{}

func (failingSource) Next(context.Context, *dmx.Universe) error { return errors.New("uart gone") }

func TestAcquirerReturnsSourceError(t *testing.T) {
	err := NewAcquirer(failingSource{}, NewSlot()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uart gone")
}

// Scenario D.
func TestFailSafeOncePerWindow(t *testing.T) {
	for _, policy := range []Policy{Hold, Blank} {
		t.Run(policy.String(), func(t *testing.T) {
			slot := NewSlot()
			tm := newTimers()
			calls := make(chan call, 8)
			var hooks []Policy
			var hmu sync.Mutex
			r := NewRenderer(slot, chanSink(calls),
				WithPolicy(policy),
				WithAfter(tm.after),
				WithFailSafeHook(func(p Policy) {
					hmu.Lock()
					hooks = append(hooks, p)
					hmu.Unlock()
				}))

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- r.Run(ctx) }()

			<-tm.armed
			var u dmx.Universe
			u[1] = 200
			slot.Publish(&u)
			c := <-calls
			require.False(t, c.failsafe)
			<-tm.armed

			// The first timer was superseded by the frame.
			tm.fire(0)
			tm.fire(1)
			c = <-calls
			require.True(t, c.failsafe)
			if policy == Blank {
				assert.Equal(t, byte(0), c.u[1])
			} else {
				assert.Equal(t, byte(200), c.u[1])
			}
			<-tm.armed

			// Nothing more until the next window elapses.
			select {
			case extra := <-calls:
				t.Fatalf("unexpected render %+v", extra.failsafe)
			case <-time.After(20 * time.Millisecond):
			}
			tm.fire(2)
			c = <-calls
			require.True(t, c.failsafe)
			<-tm.armed

			cancel()
			require.NoError(t, <-done)
			assert.Equal(t, 4, tm.count())
			assert.Equal(t, uint64(2), r.Stats().FailSafes)
			assert.Equal(t, uint64(1), r.Stats().Rendered)
			hmu.Lock()
			assert.Equal(t, []Policy{policy, policy}, hooks)
			hmu.Unlock()
		})
	}
}

func TestSinkErrorsCounted(t *testing.T) {
	slot := NewSlot()
	r := NewRenderer(slot, SinkFunc(func(*dmx.Universe, bool) error { return errors.New("busy") }), WithWindow(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var u dmx.Universe
	slot.Publish(&u)
	require.Eventually(t, func() bool { return r.Stats().SinkErrors == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Blank")
	require.NoError(t, err)
	assert.Equal(t, Blank, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Hold, p)
	_, err = ParsePolicy("freeze")
	assert.Error(t, err)
}
