package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/lightning/internal/delivery"
	"github.com/pliu/lightning/internal/metrics"
	"github.com/pliu/lightning/internal/protocol"
)

var errClosed = errors.New("connection closed")

const storeUnavailableMessage = "message could not be stored, try again later"

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticating
	stateActive
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// Client is one websocket connection and its session state. Only the
// read goroutine touches state; Send may be called from any goroutine.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	logger zerolog.Logger

	// username is set before the client is registered and never changes
	// while it is.
	username string
	state    state

	writeMu   sync.Mutex
	ready     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ delivery.Conn = (*Client)(nil)

func (c *Client) Username() string { return c.username }

func (c *Client) Ready() bool { return c.ready.Load() }

func (c *Client) MarkReady() { c.ready.Store(true) }

// Send writes one JSON text frame under the write deadline.
func (c *Client) Send(_ context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return errClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) sendError(ctx context.Context, code, message, id string) {
	frame := protocol.NewError(code, message)
	frame.ID = id
	if err := c.Send(ctx, frame); err != nil {
		c.logger.Debug().Err(err).Str("code", code).Msg("error reply failed")
	}
}

// closeWith sends a close frame and tears down the transport. Safe to
// call more than once and from any goroutine.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	})
}

func (c *Client) pingLoop(done <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(c.hub.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// run reads frames until the connection fails, then releases the
// presence entry if this client still owns it.
func (c *Client) run(ctx context.Context) {
	done := make(chan struct{})
	defer func() {
		close(done)
		c.disconnect(ctx)
	}()

	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(c.hub.opts.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop(done, c.logger)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		in, err := protocol.Parse(data)
		if errors.Is(err, protocol.ErrMalformedFrame) {
			c.logger.Warn().Err(err).Str("state", c.state.String()).Msg("protocol violation, closing")
			metrics.DroppedEnvelopes.WithLabelValues("malformed").Inc()
			c.closeWith(websocket.ClosePolicyViolation, "malformed frame")
			return
		}
		if err != nil {
			c.logger.Info().Err(err).Str("state", c.state.String()).Msg("invalid envelope dropped")
			metrics.DroppedEnvelopes.WithLabelValues("invalid").Inc()
			c.sendError(ctx, protocol.CodeInvalidEnvelope, err.Error(), "")
			continue
		}

		c.handle(ctx, in)
	}
}

func (c *Client) handle(ctx context.Context, in protocol.Inbound) {
	switch c.state {
	case stateUnauthenticated:
		auth, ok := in.(protocol.Auth)
		if !ok {
			c.logger.Info().Str("type", string(in.Type())).Msg("envelope before auth dropped")
			metrics.DroppedEnvelopes.WithLabelValues("unauthenticated").Inc()
			c.sendError(ctx, protocol.CodeNotAuthenticated, "authenticate first", "")
			return
		}
		c.authenticate(ctx, auth.Token)
	case stateActive:
		c.dispatch(ctx, in)
	}
}

func (c *Client) authenticate(ctx context.Context, token string) {
	c.state = stateAuthenticating

	username, err := c.hub.auth.TokenToIdentity(ctx, token)
	if err != nil {
		c.state = stateUnauthenticated
		metrics.AuthAttempts.WithLabelValues("invalid").Inc()
		c.logger.Info().Err(err).Msg("auth failed")
		c.sendError(ctx, protocol.CodeAuthFailed, "invalid or expired token", "")
		return
	}

	c.username = username
	if err := c.hub.registry.Register(username, c); err != nil {
		c.username = ""
		c.state = stateUnauthenticated
		metrics.AuthAttempts.WithLabelValues("already_online").Inc()
		c.logger.Info().Str("username", username).Msg("identity already online")
		c.sendError(ctx, protocol.CodeAlreadyOnline, username+" is already connected", "")
		return
	}
	c.state = stateActive
	c.logger = c.logger.With().Str("username", username).Logger()
	metrics.AuthAttempts.WithLabelValues("ok").Inc()
	metrics.OnlineSessions.Set(float64(c.hub.registry.Len()))

	replayed, err := c.hub.router.Replay(ctx, c)
	if err != nil {
		// Not ready means no live traffic; the client has to reconnect.
		c.logger.Warn().Err(err).Int("replayed", replayed).Msg("backlog replay incomplete")
		c.state = stateClosed
		if c.hub.registry.Unregister(username, c) {
			metrics.OnlineSessions.Set(float64(c.hub.registry.Len()))
		}
		c.closeWith(websocket.CloseTryAgainLater, "backlog replay failed")
		return
	}

	c.logger.Info().Int("replayed", replayed).Msg("session active")
	welcome := protocol.Success{
		Type:     protocol.TypeSuccess,
		Event:    "welcome",
		Message:  "authenticated",
		Username: username,
		Online:   c.hub.router.Online(),
	}
	if err := c.Send(ctx, welcome); err != nil {
		c.logger.Debug().Err(err).Msg("welcome failed")
	}
	c.hub.router.Broadcast(ctx, username, protocol.UserJoined(username))
}

func (c *Client) dispatch(ctx context.Context, in protocol.Inbound) {
	var (
		err error
		id  string
	)
	switch m := in.(type) {
	case protocol.Auth:
		c.sendError(ctx, protocol.CodeAlreadyAuthenticated, "already authenticated as "+c.username, "")
		return
	case protocol.SendText:
		id = m.ID
		err = c.hub.router.SendText(ctx, c, m)
	case protocol.SendVoice:
		id = m.ID
		err = c.hub.router.SendVoice(ctx, c, m)
	case protocol.Edit:
		id = m.ID
		err = c.hub.router.Edit(ctx, c, m)
	case protocol.DeleteForBoth:
		id = m.ID
		err = c.hub.router.Delete(ctx, c, m)
	case protocol.Presence:
		err = c.hub.router.Presence(ctx, c, m)
	}
	if err != nil {
		c.reportError(ctx, in.Type(), id, err)
	}
}

func (c *Client) reportError(ctx context.Context, typ protocol.Type, id string, err error) {
	code := protocol.CodeInvalidEnvelope
	switch {
	case errors.Is(err, delivery.ErrRecipientOffline):
		code = protocol.CodeRecipientOffline
	case errors.Is(err, delivery.ErrUnknownRecipient):
		code = protocol.CodeUnknownRecipient
	case errors.Is(err, delivery.ErrIDConflict):
		code = protocol.CodeIDConflict
	case errors.Is(err, delivery.ErrTooLarge):
		code = protocol.CodeTooLarge
	case errors.Is(err, delivery.ErrNotEditable):
	default:
		code = protocol.CodeStoreUnavailable
		c.logger.Error().Err(err).Str("type", string(typ)).Str("id", id).Msg("envelope failed")
	}
	if code != protocol.CodeStoreUnavailable {
		c.logger.Debug().Err(err).Str("type", string(typ)).Str("id", id).Msg("envelope rejected")
		metrics.DroppedEnvelopes.WithLabelValues(code).Inc()
	}
	message := err.Error()
	if code == protocol.CodeStoreUnavailable {
		message = storeUnavailableMessage
	}
	c.sendError(ctx, code, message, id)
}

func (c *Client) disconnect(ctx context.Context) {
	wasActive := c.state == stateActive
	c.state = stateClosed
	c.closeWith(websocket.CloseNormalClosure, "")

	if !wasActive {
		c.logger.Debug().Msg("connection closed")
		return
	}
	if c.hub.registry.Unregister(c.username, c) {
		metrics.OnlineSessions.Set(float64(c.hub.registry.Len()))
		c.hub.router.Broadcast(ctx, c.username, protocol.UserLeft(c.username))
	}
	c.logger.Info().Msg("session closed")
}
