// Package recorder is the client side of a voice-note session. It streams
// captured audio as one communication per recording, sends actions about
// earlier notes and routes the server's replies to the transcript and the
// playback device.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/neboloop/voicenote/internal/audio"
	"github.com/neboloop/voicenote/internal/message"
)

const DefaultChunkSize = 4096

var (
	ErrRecording     = errors.New("recorder: recording in progress")
	ErrNotRecording  = errors.New("recorder: not recording")
	ErrUnknownAction = errors.New("recorder: unknown action")
)

// Conn is the part of a stream.Conn the recorder drives.
type Conn interface {
	Send(msg message.Message) error
	Receive() ([]message.Message, error)
	Reset(id string) error
}

type Config struct {
	// Audio is announced in INITIALIZING and describes the capture PCM.
	Audio message.AudioConfig
	// ChunkSize is the number of bytes per RECORDING chunk.
	ChunkSize int
	// PlaybackRate resamples received audio to the output device rate.
	// Zero plays it at the rate it arrives with.
	PlaybackRate int
	// NewPlayback opens the output device. Nil discards received audio.
	NewPlayback func() audio.Playback
	// NewID generates communication ids. Defaults to random UUIDs.
	NewID  func() string
	Logger *slog.Logger
}

// Update summarizes what one Poll received.
type Update struct {
	Text     string
	SavePath string
	Samples  int
	Finished bool
}

type Recorder struct {
	conn    Conn
	capture audio.Capture
	cfg     Config
	logger  *slog.Logger

	mu         sync.Mutex
	id         string
	recording  bool
	captured   chan struct{}
	captureErr error
	player     audio.Playback
	transcript strings.Builder
	savePath   string
}

func New(conn Conn, capture audio.Capture, cfg Config) *Recorder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Audio == (message.AudioConfig{}) {
		cfg.Audio = message.AudioConfig{Format: audio.FormatInt16, Channels: 1, Rate: audio.DefaultRate}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		conn:    conn,
		capture: capture,
		cfg:     cfg,
		logger:  logger.With("component", "recorder"),
	}
}

// StartRecording opens a new communication and streams captured audio in
// RECORDING chunks until StopRecording. It returns the communication id.
func (r *Recorder) StartRecording(ctx context.Context, topic string, chatMode bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return "", ErrRecording
	}

	id := r.cfg.NewID()
	if err := r.begin(id); err != nil {
		return "", err
	}
	format := r.cfg.Audio
	if err := r.conn.Send(message.NewInitializing(id, &format, topic, chatMode)); err != nil {
		return "", err
	}
	if err := r.capture.Start(); err != nil {
		return "", fmt.Errorf("start capture: %w", err)
	}

	r.recording = true
	r.captureErr = nil
	r.captured = make(chan struct{})
	go r.pump(ctx, id, r.captured)
	r.logger.Info("recording started", "id", id, "topic", topic, "chat_mode", chatMode)
	return id, nil
}

// Captured is closed once the capture of the current recording has run dry,
// either because the source ended or after StopRecording.
func (r *Recorder) Captured() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.captured == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return r.captured
}

// StopRecording stops the capture, sends the audio still buffered in it and
// then an empty FINISHED chunk.
func (r *Recorder) StopRecording() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	id, captured := r.id, r.captured
	r.mu.Unlock()

	if err := r.capture.Stop(); err != nil {
		r.logger.Warn("failed to stop capture", "error", err)
	}
	<-captured

	r.mu.Lock()
	err := r.captureErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Info("recording stopped", "id", id)
	return r.conn.Send(message.NewAudioChunk(id, message.StatusFinished, []byte{}))
}

// SendAction asks the server to apply action. An empty savePath refers to
// the last note the server reported.
func (r *Recorder) SendAction(action message.Action, savePath string) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return "", ErrRecording
	}
	if savePath == "" {
		savePath = r.savePath
	}

	id := r.cfg.NewID()
	if err := r.begin(id); err != nil {
		return "", err
	}
	if err := r.conn.Send(message.NewAction(id, action, savePath)); err != nil {
		return "", err
	}
	r.logger.Info("action sent", "id", id, "action", action, "save_path", savePath)
	return id, nil
}

// begin resets the connection onto id and clears what belonged to the
// previous communication. Caller holds mu.
func (r *Recorder) begin(id string) error {
	r.stopPlayback()
	if err := r.conn.Reset(id); err != nil {
		return err
	}
	r.id = id
	r.transcript.Reset()
	return nil
}

// Poll drains received messages: transcript text is accumulated, audio is
// handed to playback.
func (r *Recorder) Poll() (Update, error) {
	msgs, err := r.conn.Receive()

	r.mu.Lock()
	defer r.mu.Unlock()

	var u Update
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *message.Text:
			r.transcript.WriteString(m.Text)
			u.Text += m.Text
			if m.SavePath != "" {
				r.savePath = m.SavePath
				u.SavePath = m.SavePath
			}
			if m.Status == message.StatusFinished {
				u.Finished = true
			}
		case *message.AudioChunk:
			n, perr := r.play(m)
			if perr != nil {
				r.logger.Warn("playback failed", "error", perr)
			}
			u.Samples += n
		case *message.Initializing:
			// Acknowledgement of the current communication.
		default:
			r.logger.Debug("unexpected message", "kind", msg.Kind(), "id", msg.Header().ID)
		}
	}
	return u, err
}

// Transcript returns the text received for the current communication.
func (r *Recorder) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

// SavePath returns the last save path the server reported.
func (r *Recorder) SavePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savePath
}

// CommunicationID returns the id of the current communication.
func (r *Recorder) CommunicationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Recorder) pump(ctx context.Context, id string, captured chan struct{}) {
	defer close(captured)
	buf := make([]byte, r.cfg.ChunkSize)
	for {
		if ctx.Err() != nil {
			r.setCaptureErr(ctx.Err())
			return
		}
		n, err := r.capture.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if serr := r.conn.Send(message.NewAudioChunk(id, message.StatusRecording, chunk)); serr != nil {
				r.setCaptureErr(serr)
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return
		default:
			r.setCaptureErr(fmt.Errorf("capture: %w", err))
			return
		}
	}
}

func (r *Recorder) setCaptureErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captureErr = err
}

// play converts a received chunk to float samples and enqueues them.
// Caller holds mu.
func (r *Recorder) play(m *message.AudioChunk) (int, error) {
	if r.cfg.NewPlayback == nil || len(m.Audio) == 0 {
		return 0, nil
	}
	format, rate := audio.FormatFloat32, 0
	if m.Config != nil {
		format, rate = m.Config.Format, m.Config.Rate
	}
	var samples []float32
	if format == audio.FormatInt16 {
		samples = audio.Int16ToFloat32(audio.Int16LE(m.Audio))
	} else {
		samples = audio.Float32LE(m.Audio)
	}
	if r.cfg.PlaybackRate > 0 && rate > 0 {
		samples = audio.Resample(samples, rate, r.cfg.PlaybackRate)
	}
	if r.player == nil {
		r.player = r.cfg.NewPlayback()
	}
	if err := r.player.Enqueue(samples); err != nil {
		return 0, err
	}
	return len(samples), nil
}

// stopPlayback terminates audio of the previous communication. Caller
// holds mu.
func (r *Recorder) stopPlayback() {
	if r.player == nil {
		return
	}
	if err := r.player.Terminate(); err != nil {
		r.logger.Warn("failed to stop playback", "error", err)
	}
	r.player = nil
}
