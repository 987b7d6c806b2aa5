// Package notes persists recorded voice notes on disk.
//
// Each note lives in its own directory named by a ULID under the store root:
// the PCM is kept zstd-compressed in audio.pcm.zst next to a note.yaml with
// the metadata. The directory name is the note's save path, the handle
// clients send back with DELETE and WRONG actions.
package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/voicenote/internal/metrics"
)

const (
	audioFile = "audio.pcm.zst"
	metaFile  = "note.yaml"
)

var (
	ErrNotFound    = errors.New("notes: not found")
	ErrInvalidPath = errors.New("notes: invalid save path")
)

// AudioFormat mirrors the audio_config a client announced.
type AudioFormat struct {
	Format   int `yaml:"format"`
	Channels int `yaml:"channels"`
	Rate     int `yaml:"rate"`
}

// Note is one stored recording.
type Note struct {
	ID            string      `yaml:"id"`
	Communication string      `yaml:"communication"`
	Conversation  string      `yaml:"conversation,omitempty"`
	Topic         string      `yaml:"topic,omitempty"`
	Transcript    string      `yaml:"transcript"`
	Format        AudioFormat `yaml:"audio"`
	Size          int         `yaml:"size"`
	Created       time.Time   `yaml:"created"`
	Wrong         bool        `yaml:"wrong"`

	// Audio is raw PCM; it is stored compressed and never in note.yaml.
	Audio []byte `yaml:"-"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdOnce    sync.Once
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDecoder, _ = zstd.NewReader(nil)
	})
}

// Store is a directory of notes.
type Store struct {
	root    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l.With("component", "notes") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now for note ids and creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create notes dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	initZstd()
	s := &Store{
		root:   abs,
		logger: slog.Default().With("component", "notes"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute store directory.
func (s *Store) Root() string { return s.root }

// Save writes n and returns its save path.
func (s *Store) Save(ctx context.Context, n Note) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created := s.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(created), ulid.DefaultEntropy()).String()
	n.ID = id
	n.Created = created
	n.Size = len(n.Audio)

	tmp, err := os.MkdirTemp(s.root, ".tmp-")
	if err != nil {
		return "", fmt.Errorf("save note: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := os.WriteFile(filepath.Join(tmp, audioFile), zstdEncoder.EncodeAll(n.Audio, nil), 0o644); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := writeMeta(filepath.Join(tmp, metaFile), &n); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(s.root, id)); err != nil {
		return "", fmt.Errorf("save note: %w", err)
	}

	s.metrics.NoteOp("save")
	s.logger.Info("note saved", "save_path", id, "bytes", n.Size, "topic", n.Topic)
	return id, nil
}

// Load reads the note at savePath including its audio.
func (s *Store) Load(ctx context.Context, savePath string) (*Note, error) {
	dir, err := s.resolve(savePath)
	if err != nil {
		return nil, err
	}
	n, err := readMeta(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(filepath.Join(dir, audioFile))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if n.Audio, err = zstdDecoder.DecodeAll(compressed, nil); err != nil {
		return nil, fmt.Errorf("decompress audio: %w", err)
	}
	return n, nil
}

// Delete removes the note at savePath.
func (s *Store) Delete(ctx context.Context, savePath string) error {
	dir, err := s.resolve(savePath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	s.metrics.NoteOp("delete")
	s.logger.Info("note deleted", "save_path", savePath)
	return nil
}

// MarkWrong flags the transcript of the note at savePath as incorrect.
func (s *Store) MarkWrong(ctx context.Context, savePath string) error {
	dir, err := s.resolve(savePath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(dir, metaFile)
	n, err := readMeta(path)
	if err != nil {
		return err
	}
	n.Wrong = true
	if err := writeMeta(path, n); err != nil {
		return err
	}
	s.metrics.NoteOp("mark_wrong")
	s.logger.Info("note marked wrong", "save_path", savePath)
	return nil
}

// List returns the metadata of every note, oldest first.
func (s *Store) List(ctx context.Context) ([]Note, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	var out []Note
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err != nil {
			continue
		}
		n, err := readMeta(filepath.Join(s.root, e.Name(), metaFile))
		if err != nil {
			s.logger.Warn("skipping unreadable note", "save_path", e.Name(), "error", err)
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Prune deletes notes created before cutoff and returns how many it removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("prune notes: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		id, err := ulid.ParseStrict(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		if !ulid.Time(id.Time()).Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return removed, fmt.Errorf("prune %s: %w", e.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		s.metrics.NoteOp("prune")
		s.logger.Info("pruned notes", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// resolve maps a save path onto a note directory inside the root.
func (s *Store) resolve(savePath string) (string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(savePath), "/")
	if name == "" || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, savePath)
	}
	if _, err := ulid.ParseStrict(name); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, savePath)
	}
	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	return dir, nil
}

func readMeta(path string) (*Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read note: %w", err)
	}
	var n Note
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parse note: %w", err)
	}
	return &n, nil
}

func writeMeta(path string, n *Note) error {
	data, err := yaml.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode note: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write note: %w", err)
	}
	return os.Rename(tmp, path)
}
