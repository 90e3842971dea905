// Package delivery decides between immediate and durable delivery of
// envelopes, applies edits and deletes, and replays backlog on reconnect.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pliu/lightning/internal/metrics"
	"github.com/pliu/lightning/internal/models"
	"github.com/pliu/lightning/internal/presence"
	"github.com/pliu/lightning/internal/protocol"
	"github.com/pliu/lightning/internal/store"
)

var (
	ErrRecipientOffline = errors.New("recipient offline")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrIDConflict       = errors.New("id already used by another envelope")
	ErrTooLarge         = errors.New("payload too large")
	ErrNotEditable      = errors.New("only text messages can be edited")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Conn is a live connection as the router sees it.
type Conn interface {
	Username() string
	// Send writes one frame. An error means the frame was not delivered.
	Send(ctx context.Context, frame any) error
	// Ready reports whether backlog replay has finished, so live
	// deliveries cannot overtake older queued envelopes.
	Ready() bool
	// MarkReady is called by Replay once the backlog is written.
	MarkReady()
}

type Options struct {
	MaxTextBytes  int
	MaxAudioBytes int
}

type Router struct {
	messages store.MessageStore
	users    store.CredentialStore
	registry *presence.Registry[Conn]
	lanes    *lanes
	logger   zerolog.Logger
	opts     Options

	now   func() time.Time
	newID func() string
}

func NewRouter(messages store.MessageStore, users store.CredentialStore, registry *presence.Registry[Conn], logger zerolog.Logger, opts Options) *Router {
	if opts.MaxTextBytes == 0 {
		opts.MaxTextBytes = 4096
	}
	if opts.MaxAudioBytes == 0 {
		opts.MaxAudioBytes = 1 << 20
	}
	return &Router{
		messages: messages,
		users:    users,
		registry: registry,
		lanes:    newLanes(),
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:    func() string { return ulid.Make().String() },
	}
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// SendText persists a text envelope, delivers it if the recipient is
// online and acknowledges the sender either way.
func (r *Router) SendText(ctx context.Context, sender Conn, m protocol.SendText) error {
	if len(m.Text) > r.opts.MaxTextBytes {
		return ErrTooLarge
	}
	return r.send(ctx, sender, &models.Envelope{
		ID:   m.ID,
		Kind: models.KindText,
		From: sender.Username(),
		To:   m.To,
		Text: m.Text,
	})
}

func (r *Router) SendVoice(ctx context.Context, sender Conn, m protocol.SendVoice) error {
	if len(m.Voice.AudioBytes) > r.opts.MaxAudioBytes {
		return ErrTooLarge
	}
	voice := m.Voice
	return r.send(ctx, sender, &models.Envelope{
		ID:    m.ID,
		Kind:  models.KindVoice,
		From:  sender.Username(),
		To:    m.To,
		Voice: &voice,
	})
}

func (r *Router) send(ctx context.Context, sender Conn, env *models.Envelope) error {
	if env.To == env.From {
		return ErrUnknownRecipient
	}
	if _, err := r.users.GetUserByUsername(ctx, env.To); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownRecipient
		}
		return storeErr(err)
	}

	if env.ID == "" {
		env.ID = r.newID()
	}
	env.CreatedAt = r.now()
	env.NeedsSync = true

	start := time.Now()
	err := r.messages.SaveMessage(ctx, env)
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	if errors.Is(err, store.ErrDuplicate) {
		return r.resend(ctx, sender, env)
	}
	if err != nil {
		return storeErr(err)
	}

	path := "queued"
	if r.deliver(ctx, env, renderDelivery) {
		path = "immediate"
	}
	metrics.EnvelopesSent.WithLabelValues(string(env.Kind), path).Inc()
	r.logger.Debug().
		Str("id", env.ID).
		Str("from", env.From).
		Str("to", env.To).
		Str("path", path).
		Msg("envelope accepted")

	r.reply(ctx, sender, protocol.NewSent(env))
	return nil
}

// resend handles a client retrying with an idempotency key that is
// already stored: the sender is acknowledged again and the envelope is
// only redelivered if the recipient has not observed it yet.
func (r *Router) resend(ctx context.Context, sender Conn, draft *models.Envelope) error {
	existing, err := r.messages.GetMessage(ctx, draft.ID)
	if err != nil {
		return storeErr(err)
	}
	if existing.From != draft.From || existing.To != draft.To || existing.Kind != draft.Kind {
		return ErrIDConflict
	}
	if existing.NeedsSync {
		r.deliver(ctx, existing, renderDelivery)
	}
	r.reply(ctx, sender, protocol.NewSent(existing))
	return nil
}

func renderDelivery(env *models.Envelope) any {
	return protocol.NewDelivery(env)
}

// deliver writes the frame rendered from the stored envelope to its
// recipient if it is online and ready, and clears needs_sync on success.
// It runs on the recipient's lane and rereads the envelope there, so a
// replay that already wrote this revision is not repeated and a revision
// superseded by a later mutation is not sent. It reports whether the
// recipient has observed env's revision.
func (r *Router) deliver(ctx context.Context, env *models.Envelope, render func(*models.Envelope) any) bool {
	unlock := r.lanes.lock(env.To)
	defer unlock()

	conn, ok := r.registry.Lookup(env.To)
	if !ok || !conn.Ready() {
		return false
	}
	cur, err := r.messages.GetMessage(ctx, env.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("id", env.ID).Msg("reload before delivery failed, envelope will replay")
		return false
	}
	if !cur.NeedsSync {
		return cur.Revision >= env.Revision
	}
	if cur.Revision != env.Revision {
		return false
	}
	if err := conn.Send(ctx, render(cur)); err != nil {
		r.logger.Debug().Err(err).Str("id", env.ID).Str("to", env.To).Msg("live delivery failed")
		return false
	}
	r.markDelivered(ctx, cur)
	env.NeedsSync = cur.NeedsSync
	env.DeliveredAt = cur.DeliveredAt
	return true
}

func (r *Router) markDelivered(ctx context.Context, env *models.Envelope) {
	now := r.now()
	if err := r.messages.MarkDelivered(ctx, env.ID, env.Revision, now); err != nil {
		r.logger.Warn().Err(err).Str("id", env.ID).Msg("mark delivered failed, envelope will replay")
		return
	}
	env.NeedsSync = false
	env.DeliveredAt = &now
}

func (r *Router) reply(ctx context.Context, conn Conn, frame any) {
	if err := conn.Send(ctx, frame); err != nil {
		r.logger.Debug().Err(err).Str("username", conn.Username()).Msg("reply failed")
	}
}

// target loads the envelope an edit or delete refers to. A nil envelope
// with a nil error means the mutation is a no-op: unknown ID, or an ID
// the actor did not send.
func (r *Router) target(ctx context.Context, actor Conn, id string) (*models.Envelope, error) {
	env, err := r.messages.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if env.From != actor.Username() {
		r.logger.Debug().Str("id", id).Str("actor", actor.Username()).Msg("mutation by non-sender ignored")
		return nil, nil
	}
	return env, nil
}

// Edit replaces the text of a message the actor sent.
func (r *Router) Edit(ctx context.Context, actor Conn, m protocol.Edit) error {
	if len(m.Text) > r.opts.MaxTextBytes {
		return ErrTooLarge
	}
	env, err := r.target(ctx, actor, m.ID)
	if err != nil || env == nil {
		return err
	}
	if env.Kind != models.KindText {
		return ErrNotEditable
	}
	if env.Deleted {
		return nil
	}

	now := r.now()
	env.Text = m.Text
	env.EditedAt = &now
	if err := r.apply(ctx, env); err != nil {
		return err
	}
	metrics.Mutations.WithLabelValues("edit").Inc()
	r.fanOut(ctx, actor, env, func(e *models.Envelope) any { return protocol.NewEditEvent(e) })
	return nil
}

// Delete tombstones a message the actor sent, for both parties.
func (r *Router) Delete(ctx context.Context, actor Conn, m protocol.DeleteForBoth) error {
	env, err := r.target(ctx, actor, m.ID)
	if err != nil || env == nil || env.Deleted {
		return err
	}

	env.Tombstone()
	if err := r.apply(ctx, env); err != nil {
		return err
	}
	metrics.Mutations.WithLabelValues("delete").Inc()
	r.fanOut(ctx, actor, env, func(e *models.Envelope) any { return protocol.NewDeleteEvent(e) })
	return nil
}

func (r *Router) apply(ctx context.Context, env *models.Envelope) error {
	err := r.messages.UpdateMessage(ctx, env)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// fanOut sends a mutation to the recipient and echoes it to the actor.
// A recipient that never observed the original gets the full current
// state instead of the bare event.
func (r *Router) fanOut(ctx context.Context, actor Conn, env *models.Envelope, event func(*models.Envelope) any) {
	r.deliver(ctx, env, func(cur *models.Envelope) any {
		if cur.DeliveredAt == nil {
			return protocol.NewDelivery(cur)
		}
		return event(cur)
	})
	r.reply(ctx, actor, event(env))
}

// Replay writes every envelope still pending for conn's user, oldest
// first, in its current state, then marks conn ready. It holds the
// user's lane throughout, so live deliveries wait for it and never
// overtake or repeat the backlog. It stops at the first failed write;
// what was not written stays pending and conn is left not ready.
func (r *Router) Replay(ctx context.Context, conn Conn) (int, error) {
	unlock := r.lanes.lock(conn.Username())
	defer unlock()

	pending, err := r.messages.PendingFor(ctx, conn.Username())
	if err != nil {
		return 0, storeErr(err)
	}

	n := 0
	defer func() { metrics.Replayed.Add(float64(n)) }()
	for i := range pending {
		env := &pending[i]
		if err := conn.Send(ctx, protocol.NewDelivery(env)); err != nil {
			return n, err
		}
		r.markDelivered(ctx, env)
		n++
	}
	conn.MarkReady()
	return n, nil
}

// Presence forwards a typing or recording signal. Signals are never
// stored; an offline target yields ErrRecipientOffline.
func (r *Router) Presence(ctx context.Context, actor Conn, m protocol.Presence) error {
	conn, ok := r.registry.Lookup(m.To)
	if !ok || !conn.Ready() || m.To == actor.Username() {
		return ErrRecipientOffline
	}
	err := conn.Send(ctx, protocol.PresenceEvent{
		Type: protocol.TypePresence,
		From: actor.Username(),
		To:   m.To,
		Kind: m.Kind,
		IsOn: m.IsOn,
	})
	if err != nil {
		return ErrRecipientOffline
	}
	return nil
}

// Broadcast sends frame to every online user except one. Failures are
// ignored; each session notices its own broken transport.
func (r *Router) Broadcast(ctx context.Context, except string, frame any) {
	for _, conn := range r.registry.Others(except) {
		if err := conn.Send(ctx, frame); err != nil {
			r.logger.Debug().Err(err).Str("username", conn.Username()).Msg("broadcast failed")
		}
	}
}

func (r *Router) Online() []string {
	return r.registry.Online()
}
