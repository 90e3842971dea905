// Package protocol defines the JSON frames exchanged over the websocket.
//
// Inbound frames are decoded once by Parse into one of the Inbound
// variants; everything past the boundary switches on the Go type.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/pliu/lightning/internal/models"
)

var (
	// ErrMalformedFrame means the frame is not a JSON object with a string
	// type. The connection is closed.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidEnvelope means the frame parsed but its fields do not fit
	// its type. The envelope is dropped.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

type Type string

// Inbound types.
const (
	TypeAuth          Type = "auth"
	TypeMessage       Type = "message"
	TypeVoice         Type = "voice"
	TypeEdit          Type = "edit"
	TypeDeleteForBoth Type = "delete_for_both"
	TypePresence      Type = "presence"
)

// Outbound types. voice, edit, delete_for_both and presence are shared
// with the inbound set.
const (
	TypeSuccess    Type = "success"
	TypeError      Type = "error"
	TypePM         Type = "pm"
	TypePMSent     Type = "pm_sent"
	TypeVoiceSent  Type = "voice_sent"
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
)

type PresenceKind string

const (
	PresenceTyping    PresenceKind = "typing"
	PresenceRecording PresenceKind = "recording"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// Inbound is one parsed client envelope.
type Inbound interface {
	Type() Type
}

type Auth struct {
	Token string
}

// SendText is a message envelope. ID is the optional client idempotency key.
type SendText struct {
	ID   string
	To   string
	Text string
}

type SendVoice struct {
	ID    string
	To    string
	Voice models.Voice
}

type Edit struct {
	ID   string
	Text string
}

type DeleteForBoth struct {
	ID string
}

type Presence struct {
	To   string
	Kind PresenceKind
	IsOn bool
}

func (Auth) Type() Type          { return TypeAuth }
func (SendText) Type() Type      { return TypeMessage }
func (SendVoice) Type() Type     { return TypeVoice }
func (Edit) Type() Type          { return TypeEdit }
func (DeleteForBoth) Type() Type { return TypeDeleteForBoth }
func (Presence) Type() Type      { return TypePresence }

// frame is the union of every inbound field.
type frame struct {
	Token      string `json:"token"`
	ID         string `json:"id"`
	To         string `json:"to"`
	Text       string `json:"text"`
	AudioBytes []byte `json:"audio_bytes"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Kind       string `json:"kind"`
	IsOn       bool   `json:"is_on"`
}

// Parse decodes one inbound frame.
func Parse(data []byte) (Inbound, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrMalformedFrame
	}
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var typ string
	if err := json.Unmarshal(head.Type, &typ); err != nil || typ == "" {
		return nil, fmt.Errorf("%w: type must be a string", ErrMalformedFrame)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, invalid(typ, err.Error())
	}

	switch Type(typ) {
	case TypeAuth:
		if f.Token == "" {
			return nil, invalid(typ, "missing token")
		}
		return Auth{Token: f.Token}, nil
	case TypeMessage:
		if err := checkOptionalID(f.ID); err != nil {
			return nil, invalid(typ, err.Error())
		}
		if f.To == "" {
			return nil, invalid(typ, "missing to")
		}
		if f.Text == "" {
			return nil, invalid(typ, "missing text")
		}
		return SendText{ID: f.ID, To: f.To, Text: f.Text}, nil
	case TypeVoice:
		if err := checkOptionalID(f.ID); err != nil {
			return nil, invalid(typ, err.Error())
		}
		if f.To == "" {
			return nil, invalid(typ, "missing to")
		}
		if len(f.AudioBytes) == 0 {
			return nil, invalid(typ, "missing audio_bytes")
		}
		if f.SampleRate <= 0 || f.SampleRate > 192000 {
			return nil, invalid(typ, "sample_rate out of range")
		}
		if f.Channels != 1 && f.Channels != 2 {
			return nil, invalid(typ, "channels must be 1 or 2")
		}
		return SendVoice{ID: f.ID, To: f.To, Voice: models.Voice{
			AudioBytes: f.AudioBytes,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
		}}, nil
	case TypeEdit:
		if !idPattern.MatchString(f.ID) {
			return nil, invalid(typ, "missing or bad id")
		}
		if f.Text == "" {
			return nil, invalid(typ, "missing text")
		}
		return Edit{ID: f.ID, Text: f.Text}, nil
	case TypeDeleteForBoth:
		if !idPattern.MatchString(f.ID) {
			return nil, invalid(typ, "missing or bad id")
		}
		return DeleteForBoth{ID: f.ID}, nil
	case TypePresence:
		if f.To == "" {
			return nil, invalid(typ, "missing to")
		}
		kind := PresenceKind(f.Kind)
		if kind != PresenceTyping && kind != PresenceRecording {
			return nil, invalid(typ, "kind must be typing or recording")
		}
		return Presence{To: f.To, Kind: kind, IsOn: f.IsOn}, nil
	default:
		return nil, invalid(typ, "unknown type")
	}
}

func checkOptionalID(id string) error {
	if id != "" && !idPattern.MatchString(id) {
		return errors.New("bad id")
	}
	return nil
}

func invalid(typ, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidEnvelope, typ, reason)
}

// Error codes carried by error frames.
const (
	CodeAuthFailed           = "auth_failed"
	CodeAlreadyOnline        = "already_online"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeNotAuthenticated     = "not_authenticated"
	CodeInvalidEnvelope      = "invalid_envelope"
	CodeUnknownRecipient     = "unknown_recipient"
	CodeRecipientOffline     = "recipient_offline"
	CodeIDConflict           = "id_conflict"
	CodeTooLarge             = "too_large"
	CodeStoreUnavailable     = "store_unavailable"
)

type Success struct {
	Type     Type     `json:"type"`
	Event    string   `json:"event"`
	Message  string   `json:"message,omitempty"`
	Username string   `json:"username,omitempty"`
	Online   []string `json:"online"`
}

type Error struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

// Delivery carries an envelope's current state to a live connection: pm
// for text, voice for audio. Tombstones carry no payload.
type Delivery struct {
	Type       Type       `json:"type"`
	ID         string     `json:"id"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Text       string     `json:"text,omitempty"`
	AudioBytes []byte     `json:"audio_bytes,omitempty"`
	SampleRate int        `json:"sample_rate,omitempty"`
	Channels   int        `json:"channels,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	Deleted    bool       `json:"deleted"`
}

func NewDelivery(env *models.Envelope) Delivery {
	d := Delivery{
		Type:      TypePM,
		ID:        env.ID,
		From:      env.From,
		To:        env.To,
		CreatedAt: env.CreatedAt,
		EditedAt:  env.EditedAt,
		Deleted:   env.Deleted,
	}
	if env.Kind == models.KindVoice {
		d.Type = TypeVoice
	}
	if env.Deleted {
		return d
	}
	d.Text = env.Text
	if env.Voice != nil {
		d.AudioBytes = env.Voice.AudioBytes
		d.SampleRate = env.Voice.SampleRate
		d.Channels = env.Voice.Channels
	}
	return d
}

// Sent acknowledges a durable send to its sender.
type Sent struct {
	Type      Type      `json:"type"`
	ID        string    `json:"id"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"created_at"`
}

func NewSent(env *models.Envelope) Sent {
	typ := TypePMSent
	if env.Kind == models.KindVoice {
		typ = TypeVoiceSent
	}
	return Sent{Type: typ, ID: env.ID, To: env.To, CreatedAt: env.CreatedAt}
}

type EditEvent struct {
	Type     Type       `json:"type"`
	ID       string     `json:"id"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Text     string     `json:"text"`
	EditedAt *time.Time `json:"edited_at"`
}

func NewEditEvent(env *models.Envelope) EditEvent {
	return EditEvent{Type: TypeEdit, ID: env.ID, From: env.From, To: env.To, Text: env.Text, EditedAt: env.EditedAt}
}

type DeleteEvent struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

func NewDeleteEvent(env *models.Envelope) DeleteEvent {
	return DeleteEvent{Type: TypeDeleteForBoth, ID: env.ID, From: env.From, To: env.To}
}

type PresenceEvent struct {
	Type Type         `json:"type"`
	From string       `json:"from"`
	To   string       `json:"to"`
	Kind PresenceKind `json:"kind"`
	IsOn bool         `json:"is_on"`
}

type UserEvent struct {
	Type     Type   `json:"type"`
	Username string `json:"username"`
}

func UserJoined(username string) UserEvent {
	return UserEvent{Type: TypeUserJoined, Username: username}
}

func UserLeft(username string) UserEvent {
	return UserEvent{Type: TypeUserLeft, Username: username}
}
