// Package stream multiplexes one communication at a time over a transport.
//
// A Conn runs two pumps: the outbound pump writes queued records in FIFO
// order and the inbound pump decodes arriving frames into the inbound queue.
// Send and Receive never block. Reset abandons the current communication:
// both queues are emptied, both directions are fenced, and a RESET control
// record tells the peer to do the same. A fenced direction reopens when an
// INITIALIZING record for the new communication passes through it.
//
// Resets carry an epoch. An incoming RESET is adopted only if its
// (epoch, id) orders after the local one, so concurrent resets from both
// peers settle on the same communication.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/metrics"
	"github.com/neboloop/voicenote/internal/transport"
)

const (
	originLocal  = "local"
	originRemote = "remote"
)

type outItem struct {
	frame     []byte
	control   bool // RESET, or the INITIALIZING that reopens the peer's fence
	halfClose bool
}

// protocolItem keeps control records out of reach of the overflow policy.
func protocolItem(o outItem) bool { return o.control || o.halfClose }

type inItem struct {
	msg message.Message
	err error
}

// Stats is a snapshot of a Conn's counters.
type Stats struct {
	Sent        uint64
	Received    uint64
	Discarded   uint64
	Resets      uint64
	Epoch       uint64
	PendingOut  int
	PendingIn   int
	OutFenced   bool
	InFenced    bool
	RemoteEnded bool
}

// Conn is a duplex streaming connection bound to one transport.
type Conn struct {
	transport transport.Transport
	codec     message.Codec
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	outbound   queue[outItem]
	inbound    queue[inItem]
	outFenced  bool
	inFenced   bool
	current    string
	epoch      uint64
	closed     bool // local Close
	remoteDone bool // inbound ended or a pump failed
	sendDone   bool // CloseSend queued
	running    bool
	stats      Stats

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// New binds a Conn to t. Call Run to start the pumps.
func New(t transport.Transport, opts ...Option) *Conn {
	c := &Conn{
		transport: t,
		codec:     message.JSON,
		logger:    slog.Default().With("component", "stream"),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.outbound.pinned = protocolItem
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send queues msg for the peer. It fails with ErrConnectionClosed after
// teardown and with a *ResetError if msg does not belong to the current
// communication or the outbound direction is fenced and msg is not
// INITIALIZING. The first message sent or received binds the current id
// when no Reset has happened yet.
func (c *Conn) Send(msg message.Message) error {
	if msg.Kind() == message.KindReset {
		return ErrControlRecord
	}
	frame, err := message.Encode(c.codec, msg)
	if err != nil {
		return err
	}
	h := msg.Header()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.remoteDone || c.sendDone {
		return ErrConnectionClosed
	}
	if c.current != "" && h.ID != c.current {
		return &ResetError{Current: c.current, ID: h.ID}
	}
	if c.outFenced && h.Status != message.StatusInitializing {
		return &ResetError{Current: c.current, ID: h.ID}
	}

	item := outItem{frame: frame, control: h.Status == message.StatusInitializing}
	dropped, accepted := c.outbound.push(item)
	c.discard(metrics.Outbound, "overflow", dropped)
	if !accepted {
		return ErrQueueFull
	}
	c.current = h.ID
	c.outFenced = false
	c.wake()
	return nil
}

// Receive drains every record that has arrived, oldest first. It returns an
// empty slice when nothing is ready. A frame that failed to decode is
// reported as an error after the records that preceded it. Once the remote
// side has ended and the queue is empty it returns ErrConnectionClosed.
func (c *Conn) Receive() ([]message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	var msgs []message.Message
	for {
		item, ok := c.inbound.pop()
		if !ok {
			break
		}
		if item.err != nil {
			return msgs, item.err
		}
		msgs = append(msgs, item.msg)
	}
	if len(msgs) == 0 && c.remoteDone {
		return nil, ErrConnectionClosed
	}
	return msgs, nil
}

// Reset begins communication newID. Records still queued in either
// direction are discarded and a RESET control record is queued for the
// peer. A record the outbound pump is already writing cannot be recalled.
func (c *Conn) Reset(newID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.remoteDone || c.sendDone {
		return ErrConnectionClosed
	}
	frame, err := message.Encode(c.codec, message.NewReset(newID, c.epoch+1))
	if err != nil {
		return err
	}
	c.epoch++
	c.fence(newID, originLocal)
	c.outbound.force(outItem{frame: frame, control: true})
	c.wake()
	return nil
}

// CloseSend finishes the outbound direction once every queued record has
// been written. Only transports implementing transport.HalfCloser support
// it. Receive keeps working until the peer ends.
func (c *Conn) CloseSend() error {
	if _, ok := c.transport.(transport.HalfCloser); !ok {
		return transport.ErrHalfCloseUnsupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.remoteDone {
		return ErrConnectionClosed
	}
	if c.sendDone {
		return nil
	}
	c.sendDone = true
	c.outbound.force(outItem{halfClose: true})
	c.wake()
	return nil
}

// Close tears the connection down. Queued records are discarded and later
// calls fail with ErrConnectionClosed. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.discard(metrics.Outbound, "closed", c.outbound.clear())
	c.discard(metrics.Inbound, "closed", c.inbound.clear())
	running := c.running
	c.mu.Unlock()

	c.wake()
	err := c.transport.Close()
	if !running {
		c.finishDone()
	}
	return err
}

// Run starts both pumps and blocks until the stream ends. It returns nil on
// a clean end of stream or local Close, ctx.Err() on cancellation, or the
// transport failure that stopped a pump.
func (c *Conn) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.running {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.running = true
	c.mu.Unlock()
	defer c.finish()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(gctx) })
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the inbound pump.
		c.transport.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errStreamEnded) {
		err = nil
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Done is closed when Run returns, or on Close if Run never started.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CommunicationID returns the id of the current communication.
func (c *Conn) CommunicationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Stats returns a snapshot of the counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Epoch = c.epoch
	s.PendingOut = c.outbound.len()
	s.PendingIn = c.inbound.len()
	s.OutFenced = c.outFenced
	s.InFenced = c.inFenced
	s.RemoteEnded = c.remoteDone
	return s
}

func (c *Conn) readPump(ctx context.Context) error {
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			c.endInbound()
			if errors.Is(err, io.EOF) || ctx.Err() != nil || c.isClosed() {
				return errStreamEnded
			}
			return fmt.Errorf("read frame: %w", err)
		}
		c.metrics.FrameReceived(len(frame))
		c.deliver(frame)
	}
}

func (c *Conn) writePump(ctx context.Context) error {
	for {
		item, ok, stop := c.nextOutbound()
		if stop {
			return nil
		}
		if !ok {
			select {
			case <-c.notify:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if item.halfClose {
			hc := c.transport.(transport.HalfCloser)
			if err := hc.CloseWrite(); err != nil {
				return fmt.Errorf("close write: %w", err)
			}
			c.logger.Debug("outbound direction closed")
			return nil
		}
		if err := c.transport.Send(ctx, item.frame); err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return fmt.Errorf("write frame: %w", err)
		}
		c.metrics.FrameSent(len(item.frame))

		c.mu.Lock()
		c.stats.Sent++
		c.mu.Unlock()
	}
}

// nextOutbound pops the next queued record. Records of an abandoned
// communication never reach it: fence empties the queue under the same lock.
// stop reports a local Close.
func (c *Conn) nextOutbound() (item outItem, ok, stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return outItem{}, false, true
	}
	item, ok = c.outbound.pop()
	return item, ok, false
}

// deliver applies the inbound fencing rules to one frame.
func (c *Conn) deliver(frame []byte) {
	msg, err := message.Decode(c.codec, frame)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.stats.Received++

	if err != nil {
		c.metrics.DecodeError()
		if c.inFenced {
			c.discard(metrics.Inbound, "fenced", 1)
			return
		}
		c.logger.Warn("undecodable frame", "error", err, "size", len(frame))
		c.enqueue(inItem{err: err})
		return
	}

	if r, ok := msg.(*message.Reset); ok {
		c.remoteReset(r)
		return
	}

	h := msg.Header()
	switch {
	case c.inFenced:
		// A legacy RESET may carry no id; the next INITIALIZING then names
		// the communication.
		if h.Status != message.StatusInitializing || (c.current != "" && h.ID != c.current) {
			c.discard(metrics.Inbound, "fenced", 1)
			return
		}
		c.current = h.ID
		c.inFenced = false
	case c.current == "":
		c.current = h.ID
	case h.ID != c.current:
		c.logger.Debug("dropping record for another communication", "id", h.ID, "current", c.current)
		c.discard(metrics.Inbound, "stale", 1)
		return
	}
	c.enqueue(inItem{msg: msg})
}

func (c *Conn) remoteReset(r *message.Reset) {
	id := r.Header().ID
	switch {
	case r.Epoch == 0:
		// Peers without epochs always win.
		c.epoch++
	case r.Epoch > c.epoch || (r.Epoch == c.epoch && id > c.current):
		c.epoch = r.Epoch
	default:
		c.logger.Debug("ignoring superseded reset", "id", id, "epoch", r.Epoch,
			"current", c.current, "current_epoch", c.epoch)
		return
	}
	c.fence(id, originRemote)
}

// fence switches to communication id and empties both queues. Caller holds mu.
func (c *Conn) fence(id, origin string) {
	c.current = id
	c.outFenced = true
	c.inFenced = true
	// A queued half-close is always last and belongs to no communication.
	last, hasLast := c.outbound.last()
	keepHalfClose := hasLast && last.halfClose
	out := c.outbound.clear()
	in := c.inbound.clear()
	if keepHalfClose {
		c.outbound.force(last)
		out--
	}
	c.stats.Resets++
	c.discard(metrics.Outbound, "reset", out)
	c.discard(metrics.Inbound, "reset", in)
	c.metrics.Reset(origin)
	c.logger.Info("communication reset", "id", id, "epoch", c.epoch, "origin", origin,
		"discarded_outbound", out, "discarded_inbound", in)
}

func (c *Conn) enqueue(item inItem) {
	dropped, accepted := c.inbound.push(item)
	c.discard(metrics.Inbound, "overflow", dropped)
	if !accepted {
		c.logger.Warn("inbound queue full, dropping record")
	}
}

// discard records n dropped records. Caller holds mu.
func (c *Conn) discard(direction, reason string, n int) {
	if n <= 0 {
		return
	}
	c.stats.Discarded += uint64(n)
	c.metrics.Discarded(direction, reason, n)
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) endInbound() {
	c.mu.Lock()
	c.remoteDone = true
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) finish() {
	c.endInbound()
	c.transport.Close()
	c.finishDone()
}

func (c *Conn) finishDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
