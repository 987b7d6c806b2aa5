package audio

import (
	"errors"
	"io"
	"sync"
)

// Capture is a microphone-like source of int16 LE PCM.
type Capture interface {
	Start() error
	Stop() error
	// Read fills buf with captured bytes. It returns io.EOF once stopped and
	// drained.
	Read(buf []byte) (int, error)
}

// Playback accepts float samples for output.
type Playback interface {
	Enqueue(samples []float32) error
	// Terminate drops queued audio and stops output.
	Terminate() error
}

var (
	ErrNotStarted = errors.New("audio: capture not started")
	ErrTerminated = errors.New("audio: playback terminated")
)

// ReaderCapture captures from an io.Reader, such as a raw PCM file.
type ReaderCapture struct {
	mu      sync.Mutex
	r       io.Reader
	started bool
	stopped bool
}

func NewReaderCapture(r io.Reader) *ReaderCapture {
	return &ReaderCapture{r: r}
}

func (c *ReaderCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.stopped = false
	return nil
}

// Stop makes later reads return io.EOF.
func (c *ReaderCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *ReaderCapture) Read(buf []byte) (int, error) {
	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()
	if !started {
		return 0, ErrNotStarted
	}
	if stopped {
		return 0, io.EOF
	}
	// Keep whole samples together.
	if len(buf) > 1 {
		buf = buf[:len(buf)&^1]
	}
	return io.ReadAtLeast(c.r, buf, min(2, len(buf)))
}

// BufferPlayback collects enqueued samples in memory.
type BufferPlayback struct {
	mu         sync.Mutex
	samples    []float32
	terminated bool
}

func (p *BufferPlayback) Enqueue(samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return ErrTerminated
	}
	p.samples = append(p.samples, samples...)
	return nil
}

func (p *BufferPlayback) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	p.samples = nil
	return nil
}

// Samples returns a copy of everything enqueued so far.
func (p *BufferPlayback) Samples() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float32(nil), p.samples...)
}
