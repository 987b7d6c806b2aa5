package message

import (
	"errors"
	"fmt"
)

// Status tags the position of a record within its communication.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRecording    Status = "RECORDING"
	StatusFinished     Status = "FINISHED"
	StatusReset        Status = "RESET"
)

// Action is a user command carried by an ActionRequest.
type Action string

const (
	ActionDelete             Action = "DELETE"
	ActionWrong              Action = "WRONG"
	ActionNewChat            Action = "NEW CHAT"
	ActionDeleteConversation Action = "DELETE CONVERSATION"
	ActionNewConversation    Action = "NEW CONVERSATION"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionWrong, ActionNewChat, ActionDeleteConversation, ActionNewConversation:
		return true
	}
	return false
}

// Kind identifies the message variant.
type Kind int

const (
	KindInitializing Kind = iota
	KindAudioChunk
	KindText
	KindAction
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindInitializing:
		return "initializing"
	case KindAudioChunk:
		return "audio"
	case KindText:
		return "text"
	case KindAction:
		return "action"
	case KindReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Envelope is shared by every variant. Extra holds fields the variant does
// not model; they are written back unchanged.
type Envelope struct {
	ID     string
	Status Status
	Extra  Record
}

// Header returns the envelope.
func (e Envelope) Header() Envelope { return e }

func (e Envelope) record() Record {
	r := e.Extra.Clone()
	if r == nil {
		r = make(Record)
	}
	if e.ID != "" {
		r[FieldID] = e.ID
	}
	if e.Status != "" {
		r[FieldStatus] = string(e.Status)
	}
	return r
}

// Message is one of *Initializing, *AudioChunk, *Text, *ActionRequest, *Reset.
type Message interface {
	Header() Envelope
	Kind() Kind
	Record() Record
}

// AudioConfig describes a PCM stream: encoding id, channel count, sample rate.
type AudioConfig struct {
	Format   int
	Channels int
	Rate     int
}

func (c *AudioConfig) record() Record {
	return Record{
		"format":   int64(c.Format),
		"channels": int64(c.Channels),
		"rate":     int64(c.Rate),
	}
}

// Initializing opens a communication and carries its session parameters.
type Initializing struct {
	Envelope
	AudioConfig *AudioConfig
	Topic       string
	ChatMode    bool
}

func (m *Initializing) Kind() Kind { return KindInitializing }

func (m *Initializing) Record() Record {
	r := m.record()
	if m.AudioConfig != nil {
		r[FieldAudioConfig] = m.AudioConfig.record()
	}
	if m.Topic != "" {
		r[FieldTopic] = m.Topic
	}
	if m.ChatMode {
		r[FieldChatMode] = true
	}
	return r
}

// AudioChunk carries PCM: int16 LE from capture, float32 LE for playback.
type AudioChunk struct {
	Envelope
	Audio  []byte
	Config *AudioConfig
}

func (m *AudioChunk) Kind() Kind { return KindAudioChunk }

func (m *AudioChunk) Record() Record {
	r := m.record()
	audio := m.Audio
	if audio == nil {
		audio = []byte{}
	}
	r[FieldAudio] = audio
	if m.Config != nil {
		r[FieldConfig] = m.Config.record()
	}
	return r
}

// Text is a transcript fragment. Callers append fragments of the same
// communication.
type Text struct {
	Envelope
	Text     string
	SavePath string
}

func (m *Text) Kind() Kind { return KindText }

func (m *Text) Record() Record {
	r := m.record()
	r[FieldText] = m.Text
	if m.SavePath != "" {
		r[FieldSavePath] = m.SavePath
	}
	return r
}

// ActionRequest asks the peer to act on an earlier communication, addressed
// by its save path.
type ActionRequest struct {
	Envelope
	Action   Action
	SavePath string
}

func (m *ActionRequest) Kind() Kind { return KindAction }

func (m *ActionRequest) Record() Record {
	r := m.record()
	r[FieldAction] = string(m.Action)
	if m.SavePath != "" {
		r[FieldSavePath] = m.SavePath
	}
	return r
}

// Reset is the control record announcing a new communication. Epoch 0 means
// the peer did not send one.
type Reset struct {
	Envelope
	Epoch uint64
}

func (m *Reset) Kind() Kind { return KindReset }

func (m *Reset) Record() Record {
	r := m.record()
	r[FieldStatus] = string(StatusReset)
	if m.Epoch > 0 {
		r[FieldEpoch] = int64(m.Epoch)
	}
	return r
}

// NewInitializing returns an INITIALIZING record for id.
func NewInitializing(id string, cfg *AudioConfig, topic string, chatMode bool) *Initializing {
	return &Initializing{
		Envelope:    Envelope{ID: id, Status: StatusInitializing},
		AudioConfig: cfg,
		Topic:       topic,
		ChatMode:    chatMode,
	}
}

// NewAudioChunk returns an audio record with the given status.
func NewAudioChunk(id string, status Status, audio []byte) *AudioChunk {
	return &AudioChunk{Envelope: Envelope{ID: id, Status: status}, Audio: audio}
}

// NewText returns a transcript record.
func NewText(id string, status Status, text, savePath string) *Text {
	return &Text{Envelope: Envelope{ID: id, Status: status}, Text: text, SavePath: savePath}
}

// NewAction returns an action request. It carries INITIALIZING so that it
// passes a fenced outbound direction right after a reset.
func NewAction(id string, action Action, savePath string) *ActionRequest {
	return &ActionRequest{
		Envelope: Envelope{ID: id, Status: StatusInitializing},
		Action:   action,
		SavePath: savePath,
	}
}

// NewReset returns the RESET control record.
func NewReset(id string, epoch uint64) *Reset {
	return &Reset{Envelope: Envelope{ID: id, Status: StatusReset}, Epoch: epoch}
}

var errUnclassified = errors.New("record matches no message kind")

// FromRecord maps an untyped wire record onto its variant.
func FromRecord(r Record) (Message, error) {
	env, err := envelopeOf(r)
	if err != nil {
		return nil, err
	}
	rest := r.Clone()
	delete(rest, FieldID)
	delete(rest, FieldStatus)

	consume := func(keys ...string) {
		for _, k := range keys {
			delete(rest, k)
		}
	}
	finish := func() Envelope {
		if len(rest) > 0 {
			env.Extra = rest
		}
		return env
	}

	action, hasAction, err := r.str(FieldAction)
	if err != nil {
		return nil, err
	}
	_, hasText := r[FieldText]
	_, hasAudio := r[FieldAudio]

	switch {
	case env.Status == StatusReset:
		epoch, _, err := r.integer(FieldEpoch)
		if err != nil {
			return nil, err
		}
		if epoch < 0 {
			return nil, &DecodeError{Field: FieldEpoch, Err: fmt.Errorf("negative epoch %d", epoch)}
		}
		consume(FieldEpoch)
		return &Reset{Envelope: finish(), Epoch: uint64(epoch)}, nil

	case hasAction:
		savePath, err := r.scalar(FieldSavePath)
		if err != nil {
			return nil, err
		}
		consume(FieldAction, FieldSavePath)
		return &ActionRequest{Envelope: finish(), Action: Action(action), SavePath: savePath}, nil

	case hasText:
		text, err := r.scalar(FieldText)
		if err != nil {
			return nil, err
		}
		savePath, err := r.scalar(FieldSavePath)
		if err != nil {
			return nil, err
		}
		consume(FieldText, FieldSavePath)
		return &Text{Envelope: finish(), Text: text, SavePath: savePath}, nil

	case hasAudio || env.Status == StatusRecording || env.Status == StatusFinished:
		audio, _, err := r.bytes(FieldAudio)
		if err != nil {
			return nil, err
		}
		cfg, err := audioConfigOf(r, FieldConfig)
		if err != nil {
			return nil, err
		}
		consume(FieldAudio, FieldConfig)
		return &AudioChunk{Envelope: finish(), Audio: audio, Config: cfg}, nil

	case env.Status == StatusInitializing:
		cfg, err := audioConfigOf(r, FieldAudioConfig)
		if err != nil {
			return nil, err
		}
		topic, err := r.scalar(FieldTopic)
		if err != nil {
			return nil, err
		}
		chatMode, err := r.boolean(FieldChatMode)
		if err != nil {
			return nil, err
		}
		consume(FieldAudioConfig, FieldTopic, FieldChatMode)
		return &Initializing{Envelope: finish(), AudioConfig: cfg, Topic: topic, ChatMode: chatMode}, nil
	}

	return nil, &DecodeError{Field: FieldStatus, Err: errUnclassified}
}

func envelopeOf(r Record) (Envelope, error) {
	id, err := r.scalar(FieldID)
	if err != nil {
		return Envelope{}, err
	}
	status, _, err := r.str(FieldStatus)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Status: Status(status)}, nil
}

func audioConfigOf(r Record, key string) (*AudioConfig, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, nil
	}
	nested, ok := v.(Record)
	if !ok {
		return nil, &DecodeError{Field: key, Err: fmt.Errorf("expected object, got %T", v)}
	}
	var cfg AudioConfig
	for name, dst := range map[string]*int{"format": &cfg.Format, "channels": &cfg.Channels, "rate": &cfg.Rate} {
		n, _, err := nested.integer(name)
		if err != nil {
			return nil, err
		}
		*dst = int(n)
	}
	return &cfg, nil
}

// Decode reads one frame with codec and maps it onto its variant.
func Decode(codec Codec, b []byte) (Message, error) {
	r, err := codec.Decode(b)
	if err != nil {
		return nil, err
	}
	return FromRecord(r)
}

// Encode serializes m with codec.
func Encode(codec Codec, m Message) ([]byte, error) {
	return codec.Encode(m.Record())
}
