package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/neboloop/voicenote/internal/audio"
	"github.com/neboloop/voicenote/internal/db"
	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/notes"
	"github.com/neboloop/voicenote/internal/stream"
)

// replier takes a session's responses. *stream.Conn is one.
type replier interface {
	Send(msg message.Message) error
}

type recording struct {
	id       string
	format   message.AudioConfig
	topic    string
	chatMode bool
	pcm      []byte
}

// session is the per-client state of the workload.
type session struct {
	srv          *Server
	logger       *slog.Logger
	rec          *recording
	conversation string
}

func (s *Server) newSession(logger *slog.Logger) *session {
	return &session{srv: s, logger: logger}
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
}

// runWorkload polls conn and handles what arrived until the stream ends.
func (s *Server) runWorkload(ctx context.Context, conn *stream.Conn, ss *session) error {
	limiter := s.newLimiter()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		msgs, recvErr := conn.Receive()
		if errors.Is(recvErr, stream.ErrConnectionClosed) {
			return nil
		}

	batch:
		for _, msg := range msgs {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			err := ss.handle(ctx, conn, msg)
			switch {
			case err == nil:
			case errors.Is(err, stream.ErrResetInProgress):
				// The client moved on while we were answering.
				ss.logger.Debug("workload abandoned", "reason", err)
				ss.abandon()
				break batch
			case errors.Is(err, stream.ErrConnectionClosed):
				return nil
			case errors.Is(err, stream.ErrQueueFull):
				ss.logger.Warn("reply dropped", "error", err)
			default:
				return err
			}
		}
		if recvErr != nil {
			ss.logger.Warn("skipping undecodable record", "error", recvErr)
			continue
		}
		if len(msgs) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handle processes one inbound message. A *stream.ResetError returned by
// out means the reply belongs to an abandoned communication.
func (ss *session) handle(ctx context.Context, out replier, msg message.Message) error {
	switch m := msg.(type) {
	case *message.Initializing:
		return ss.begin(out, m)
	case *message.AudioChunk:
		return ss.audio(ctx, out, m)
	case *message.ActionRequest:
		return ss.action(ctx, out, m)
	case *message.Reset:
		ss.abandon()
	default:
		ss.logger.Debug("ignoring message", "kind", msg.Kind(), "id", msg.Header().ID)
	}
	return nil
}

func (ss *session) abandon() {
	if ss.rec != nil {
		ss.logger.Debug("dropping recording", "id", ss.rec.id, "bytes", len(ss.rec.pcm))
	}
	ss.rec = nil
}

func (ss *session) begin(out replier, m *message.Initializing) error {
	format := message.AudioConfig{Format: audio.FormatInt16, Channels: 1, Rate: audio.DefaultRate}
	if m.AudioConfig != nil {
		format = *m.AudioConfig
	}
	ss.rec = &recording{id: m.ID, format: format, topic: m.Topic, chatMode: m.ChatMode}
	ss.logger.Debug("recording started", "id", m.ID, "topic", m.Topic, "chat_mode", m.ChatMode,
		"format", format.Format, "rate", format.Rate)
	return out.Send(message.NewInitializing(m.ID, nil, "", false))
}

func (ss *session) audio(ctx context.Context, out replier, m *message.AudioChunk) error {
	if ss.rec == nil || ss.rec.id != m.ID {
		ss.logger.Debug("audio outside a recording", "id", m.ID)
		return nil
	}
	ss.rec.pcm = append(ss.rec.pcm, m.Audio...)
	if m.Status != message.StatusFinished {
		return nil
	}
	rec := ss.rec
	ss.rec = nil
	return ss.finish(ctx, out, rec)
}

// finish transcribes and stores a completed recording and answers with the
// transcript and the note's save path.
func (ss *session) finish(ctx context.Context, out replier, rec *recording) error {
	srv := ss.srv
	text, err := srv.transcriber.Transcribe(ctx, rec.pcm, rec.format)
	if err != nil {
		ss.logger.Warn("transcription failed", "id", rec.id, "error", err)
		text = ""
	}

	if rec.chatMode {
		if err := ss.ensureConversation(ctx, rec.topic); err != nil {
			ss.logger.Error("failed to start conversation", "error", err)
		}
	}
	note := notes.Note{
		Communication: rec.id,
		Topic:         rec.topic,
		Transcript:    text,
		Format:        notes.AudioFormat{Format: rec.format.Format, Channels: rec.format.Channels, Rate: rec.format.Rate},
		Audio:         rec.pcm,
	}
	if rec.chatMode {
		note.Conversation = ss.conversation
	}
	savePath, err := srv.notes.Save(ctx, note)
	if err != nil {
		ss.logger.Error("failed to save note", "id", rec.id, "error", err)
		savePath = ""
	}
	if savePath != "" && note.Conversation != "" {
		if err := srv.convs.AppendTurn(ctx, db.Turn{
			ConversationID:  note.Conversation,
			CommunicationID: rec.id,
			SavePath:        savePath,
			Transcript:      text,
		}); err != nil {
			ss.logger.Error("failed to record turn", "conversation", note.Conversation, "error", err)
		}
	}

	if srv.cfg.Replay && len(rec.pcm) > 0 {
		if err := out.Send(replayChunk(rec)); err != nil {
			return err
		}
	}
	ss.logger.Info("recording transcribed", "id", rec.id, "save_path", savePath, "bytes", len(rec.pcm))
	return out.Send(message.NewText(rec.id, message.StatusFinished, text, savePath))
}

func (ss *session) ensureConversation(ctx context.Context, topic string) error {
	if ss.conversation != "" {
		return nil
	}
	c, err := ss.srv.convs.CreateConversation(ctx, topic)
	if err != nil {
		return err
	}
	ss.conversation = c.ID
	ss.logger.Info("conversation started", "conversation", c.ID, "topic", topic)
	return nil
}

// replayChunk echoes a recording back as float32 PCM for playback.
func replayChunk(rec *recording) *message.AudioChunk {
	samples := pcmSamples(rec.pcm, rec.format.Format)
	chunk := message.NewAudioChunk(rec.id, message.StatusRecording, audio.Float32LEBytes(audio.Int16ToFloat32(samples)))
	chunk.Config = &message.AudioConfig{Format: audio.FormatFloat32, Channels: rec.format.Channels, Rate: rec.format.Rate}
	return chunk
}

func (ss *session) action(ctx context.Context, out replier, m *message.ActionRequest) error {
	ss.abandon()
	if err := out.Send(message.NewInitializing(m.ID, nil, "", false)); err != nil {
		return err
	}
	reply, err := ss.perform(ctx, m)
	if err != nil {
		ss.logger.Warn("action failed", "action", m.Action, "save_path", m.SavePath, "error", err)
		reply = fmt.Sprintf("%s failed: %v", m.Action, err)
	} else {
		ss.logger.Info("action applied", "action", m.Action, "save_path", m.SavePath)
	}
	return out.Send(message.NewText(m.ID, message.StatusFinished, reply, m.SavePath))
}

func (ss *session) perform(ctx context.Context, m *message.ActionRequest) (string, error) {
	srv := ss.srv
	switch m.Action {
	case message.ActionDelete:
		if err := srv.notes.Delete(ctx, m.SavePath); err != nil {
			return "", err
		}
		if err := srv.convs.RemoveTurn(ctx, m.SavePath); err != nil {
			return "", err
		}
		return "deleted", nil

	case message.ActionWrong:
		if err := srv.notes.MarkWrong(ctx, m.SavePath); err != nil {
			return "", err
		}
		return "marked as wrong", nil

	case message.ActionNewChat, message.ActionNewConversation:
		ss.conversation = ""
		return "started a new conversation", nil

	case message.ActionDeleteConversation:
		if ss.conversation == "" {
			return "no conversation to delete", nil
		}
		paths, err := srv.convs.DeleteConversation(ctx, ss.conversation)
		if err != nil {
			return "", err
		}
		ss.conversation = ""
		for _, p := range paths {
			if err := srv.notes.Delete(ctx, p); err != nil && !errors.Is(err, notes.ErrNotFound) {
				return "", err
			}
		}
		return fmt.Sprintf("deleted conversation with %d notes", len(paths)), nil
	}
	return "", fmt.Errorf("unknown action %q", m.Action)
}

// Transcriber turns a finished recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, format message.AudioConfig) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, pcm []byte, format message.AudioConfig) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, pcm []byte, format message.AudioConfig) (string, error) {
	return f(ctx, pcm, format)
}

// Describer is the built-in Transcriber. It has no speech model and reports
// the length and level of the audio instead.
type Describer struct{}

func (Describer) Transcribe(ctx context.Context, pcm []byte, format message.AudioConfig) (string, error) {
	if format.Format != audio.FormatInt16 && format.Format != audio.FormatFloat32 {
		return "", fmt.Errorf("unsupported audio format %d", format.Format)
	}
	samples := pcmSamples(pcm, format.Format)
	if len(samples) == 0 {
		return "(no audio)", nil
	}
	d := audio.Duration(len(samples), format.Channels, format.Rate)
	level := audio.RMS(samples)
	if level == 0 {
		return fmt.Sprintf("%.2fs of silence", d.Seconds()), nil
	}
	return fmt.Sprintf("%.2fs of audio at %.1f dBFS", d.Seconds(), 20*math.Log10(level)), nil
}

func pcmSamples(pcm []byte, format int) []int16 {
	if format == audio.FormatFloat32 {
		return audio.Float32ToInt16(audio.Float32LE(pcm))
	}
	return audio.Int16LE(pcm)
}
