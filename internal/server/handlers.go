package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/neboloop/voicenote/internal/audio"
	"github.com/neboloop/voicenote/internal/httputil"
	"github.com/neboloop/voicenote/internal/notes"
)

// noteView is the JSON shape of a note's metadata.
type noteView struct {
	SavePath      string    `json:"save_path"`
	Communication string    `json:"communication"`
	Conversation  string    `json:"conversation,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	Transcript    string    `json:"transcript"`
	Format        int       `json:"format"`
	Channels      int       `json:"channels"`
	Rate          int       `json:"rate"`
	Size          int       `json:"size"`
	Created       time.Time `json:"created"`
	Wrong         bool      `json:"wrong"`
}

func viewOf(n *notes.Note) noteView {
	return noteView{
		SavePath:      n.ID,
		Communication: n.Communication,
		Conversation:  n.Conversation,
		Topic:         n.Topic,
		Transcript:    n.Transcript,
		Format:        n.Format.Format,
		Channels:      n.Format.Channels,
		Rate:          n.Format.Rate,
		Size:          n.Size,
		Created:       n.Created,
		Wrong:         n.Wrong,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]any{
		"status":   "ok",
		"sessions": s.ActiveSessions(),
	})
}

// handleListNotes returns note metadata, newest first. ?limit=N caps the
// result.
func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	list, err := s.notes.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list notes", "error", err)
		httputil.InternalError(w, "")
		return
	}
	limit := httputil.QueryInt(r, "limit", 0)
	views := make([]noteView, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(views) == limit {
			break
		}
		views = append(views, viewOf(&list[i]))
	}
	httputil.OkJSON(w, map[string]any{"notes": views})
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	n, ok := s.loadNote(w, r)
	if !ok {
		return
	}
	httputil.OkJSON(w, viewOf(n))
}

// handleNoteAudio serves the recording as a 16-bit WAV file.
func (s *Server) handleNoteAudio(w http.ResponseWriter, r *http.Request) {
	n, ok := s.loadNote(w, r)
	if !ok {
		return
	}
	channels, rate := n.Format.Channels, n.Format.Rate
	if channels <= 0 {
		channels = 1
	}
	if rate <= 0 {
		rate = audio.DefaultRate
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+n.ID+`.wav"`)
	if err := audio.WriteWAV(w, pcmSamples(n.Audio, n.Format.Format), rate, channels); err != nil {
		s.logger.Warn("failed to write wav", "save_path", n.ID, "error", err)
	}
}

func (s *Server) loadNote(w http.ResponseWriter, r *http.Request) (*notes.Note, bool) {
	savePath := httputil.PathVar(r, "savePath")
	n, err := s.notes.Load(r.Context(), savePath)
	switch {
	case err == nil:
		return n, true
	case errors.Is(err, notes.ErrNotFound), errors.Is(err, notes.ErrInvalidPath):
		httputil.NotFound(w, "note not found")
	default:
		s.logger.Error("failed to load note", "save_path", savePath, "error", err)
		httputil.InternalError(w, "")
	}
	return nil, false
}
