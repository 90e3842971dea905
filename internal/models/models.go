package models

import "time"

type User struct {
	ID                int       `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email,omitempty"`
	Password          string    `json:"-"`
	IsVerified        bool      `json:"is_verified"`
	VerificationToken string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// Kind is the payload variant carried by an Envelope.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
)

// Voice is an audio clip attached to a voice envelope.
type Voice struct {
	AudioBytes []byte `json:"audio_bytes"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Envelope is the durable record of one personal message.
//
// A deleted envelope is a tombstone: the row stays, its payload is cleared
// and it keeps being forwarded until both parties have observed it.
type Envelope struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Text        string     `json:"text,omitempty"`
	Voice       *Voice     `json:"voice,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	Deleted     bool       `json:"deleted"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	NeedsSync   bool       `json:"needs_sync"`
	// Revision increases on every edit or delete.
	Revision int `json:"revision"`
}

// Tombstone clears the payload and marks the envelope deleted.
func (e *Envelope) Tombstone() {
	e.Deleted = true
	e.Text = ""
	e.Voice = nil
}
