package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/lightning/internal/models"
	"github.com/pliu/lightning/internal/presence"
	"github.com/pliu/lightning/internal/protocol"
	"github.com/pliu/lightning/internal/store"
	"github.com/pliu/lightning/internal/store/sqlstore"
)

type fakeConn struct {
	name  string
	ready bool
	fail  bool

	mu     sync.Mutex
	frames []any
}

func (c *fakeConn) Username() string { return c.name }

func (c *fakeConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeConn) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
}

func (c *fakeConn) Send(_ context.Context, frame any) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Frames() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.frames...)
}

// gatedConn blocks its first write until release is closed.
type gatedConn struct {
	*fakeConn
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *gatedConn) Send(ctx context.Context, frame any) error {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.fakeConn.Send(ctx, frame)
}

// hookStore runs afterSave once an envelope is committed.
type hookStore struct {
	store.MessageStore
	afterSave func()
}

func (s *hookStore) SaveMessage(ctx context.Context, env *models.Envelope) error {
	if err := s.MessageStore.SaveMessage(ctx, env); err != nil {
		return err
	}
	if s.afterSave != nil {
		s.afterSave()
	}
	return nil
}

type fixture struct {
	router   *Router
	store    *sqlstore.SQLStore
	registry *presence.Registry[Conn]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, name := range []string{"alice", "bob", "carol"} {
		require.NoError(t, st.CreateUser(ctx, &models.User{Username: name, Password: "x"}))
	}

	registry := presence.NewRegistry[Conn]()
	router := NewRouter(st, st, registry, zerolog.Nop(), Options{MaxTextBytes: 16, MaxAudioBytes: 8})
	return &fixture{router: router, store: st, registry: registry}
}

func (f *fixture) online(t *testing.T, name string) *fakeConn {
	t.Helper()
	c := &fakeConn{name: name, ready: true}
	require.NoError(t, f.registry.Register(name, c))
	return c
}

func TestSendToOnlineRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{To: "bob", Text: "hi"}))

	require.Len(t, bob.Frames(), 1)
	got := bob.Frames()[0].(protocol.Delivery)
	assert.Equal(t, protocol.TypePM, got.Type)
	assert.Equal(t, "hi", got.Text)
	assert.NotEmpty(t, got.ID)

	require.Len(t, alice.Frames(), 1)
	ack := alice.Frames()[0].(protocol.Sent)
	assert.Equal(t, protocol.TypePMSent, ack.Type)
	assert.Equal(t, got.ID, ack.ID)

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSendToOfflineRecipientQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "c-1", To: "bob", Text: "later"}))
	require.Len(t, alice.Frames(), 1)
	assert.Equal(t, "c-1", alice.Frames()[0].(protocol.Sent).ID)

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c-1", pending[0].ID)

	bob := &fakeConn{name: "bob"}
	n, err := f.router.Replay(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "c-1", bob.Frames()[0].(protocol.Delivery).ID)

	pending, err = f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSendToReplayingRecipientQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := &fakeConn{name: "bob"}
	require.NoError(t, f.registry.Register("bob", bob))

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{To: "bob", Text: "hi"}))
	assert.Empty(t, bob.Frames())

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestFailedLiveDeliveryStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")
	bob.fail = true

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{To: "bob", Text: "hi"}))
	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")

	assert.ErrorIs(t, f.router.SendText(ctx, alice, protocol.SendText{To: "nobody", Text: "hi"}), ErrUnknownRecipient)
	assert.ErrorIs(t, f.router.SendText(ctx, alice, protocol.SendText{To: "alice", Text: "hi"}), ErrUnknownRecipient)
	assert.ErrorIs(t, f.router.SendText(ctx, alice, protocol.SendText{To: "bob", Text: "this text is far too long"}), ErrTooLarge)
	assert.ErrorIs(t, f.router.SendVoice(ctx, alice, protocol.SendVoice{To: "bob", Voice: models.Voice{
		AudioBytes: make([]byte, 9), SampleRate: 48000, Channels: 1,
	}}), ErrTooLarge)
	assert.Empty(t, alice.Frames())
}

func TestDuplicateIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")

	msg := protocol.SendText{ID: "dup", To: "bob", Text: "once"}
	require.NoError(t, f.router.SendText(ctx, alice, msg))
	require.NoError(t, f.router.SendText(ctx, alice, msg))
	require.Len(t, alice.Frames(), 2)
	assert.Equal(t, "dup", alice.Frames()[1].(protocol.Sent).ID)

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	carol := f.online(t, "carol")
	err = f.router.SendText(ctx, carol, protocol.SendText{ID: "dup", To: "bob", Text: "steal"})
	assert.ErrorIs(t, err, ErrIDConflict)
}

func TestDuplicateIDRedeliversOnlyWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")

	msg := protocol.SendText{ID: "dup", To: "bob", Text: "once"}
	require.NoError(t, f.router.SendText(ctx, alice, msg))
	require.NoError(t, f.router.SendText(ctx, alice, msg))
	assert.Len(t, bob.Frames(), 1)
}

func TestOfflineEditThenDeleteReplaysOneTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "m1", To: "bob", Text: "first"}))
	require.NoError(t, f.router.Edit(ctx, alice, protocol.Edit{ID: "m1", Text: "second"}))
	require.NoError(t, f.router.Delete(ctx, alice, protocol.DeleteForBoth{ID: "m1"}))

	frames := alice.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, "second", frames[1].(protocol.EditEvent).Text)
	assert.Equal(t, "m1", frames[2].(protocol.DeleteEvent).ID)

	bob := &fakeConn{name: "bob"}
	n, err := f.router.Replay(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got := bob.Frames()[0].(protocol.Delivery)
	assert.Equal(t, "m1", got.ID)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Text)
}

func TestEditAfterDeliveryRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "m1", To: "bob", Text: "first"}))
	bob := &fakeConn{name: "bob"}
	_, err := f.router.Replay(ctx, bob)
	require.NoError(t, err)

	require.NoError(t, f.router.Edit(ctx, alice, protocol.Edit{ID: "m1", Text: "fixed"}))
	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fixed", pending[0].Text)
	assert.NotNil(t, pending[0].EditedAt)
}

func TestLiveEditReachesRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "m1", To: "bob", Text: "first"}))
	require.NoError(t, f.router.Edit(ctx, alice, protocol.Edit{ID: "m1", Text: "second"}))

	frames := bob.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "second", frames[1].(protocol.EditEvent).Text)

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMutationsByOthersAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "m1", To: "bob", Text: "mine"}))
	before := len(bob.Frames())

	require.NoError(t, f.router.Edit(ctx, bob, protocol.Edit{ID: "m1", Text: "yours"}))
	require.NoError(t, f.router.Delete(ctx, bob, protocol.DeleteForBoth{ID: "m1"}))
	require.NoError(t, f.router.Edit(ctx, alice, protocol.Edit{ID: "missing", Text: "x"}))
	require.NoError(t, f.router.Delete(ctx, alice, protocol.DeleteForBoth{ID: "missing"}))
	assert.Len(t, bob.Frames(), before)

	env, err := f.store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "mine", env.Text)
	assert.False(t, env.Deleted)
}

func TestEditRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")

	voice := models.Voice{AudioBytes: []byte{1, 2}, SampleRate: 16000, Channels: 1}
	require.NoError(t, f.router.SendVoice(ctx, alice, protocol.SendVoice{ID: "v1", To: "bob", Voice: voice}))
	assert.ErrorIs(t, f.router.Edit(ctx, alice, protocol.Edit{ID: "v1", Text: "x"}), ErrNotEditable)

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "t1", To: "bob", Text: "x"}))
	require.NoError(t, f.router.Delete(ctx, alice, protocol.DeleteForBoth{ID: "t1"}))
	require.NoError(t, f.router.Edit(ctx, alice, protocol.Edit{ID: "t1", Text: "revived"}))

	env, err := f.store.GetMessage(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, env.Deleted)
	assert.Empty(t, env.Text)
}

func TestReplayPreservesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	carol := f.online(t, "carol")

	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "a", To: "bob", Text: "1"}))
	require.NoError(t, f.router.SendText(ctx, carol, protocol.SendText{ID: "b", To: "bob", Text: "2"}))
	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "c", To: "bob", Text: "3"}))

	bob := &fakeConn{name: "bob"}
	n, err := f.router.Replay(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var ids []string
	for _, frame := range bob.Frames() {
		ids = append(ids, frame.(protocol.Delivery).ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestReplayStopsOnBrokenConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "a", To: "bob", Text: "1"}))

	bob := &fakeConn{name: "bob", fail: true}
	n, err := f.router.Replay(ctx, bob)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.False(t, bob.Ready())

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReplayMarksReady(t *testing.T) {
	f := newFixture(t)
	bob := &fakeConn{name: "bob"}
	n, err := f.router.Replay(context.Background(), bob)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, bob.Ready())
}

func TestReplayDuringLiveSendDeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := &fakeConn{name: "bob"}
	require.NoError(t, f.registry.Register("bob", bob))

	// bob finishes logging in between the commit and the live write.
	hooked := &hookStore{MessageStore: f.store}
	router := NewRouter(hooked, f.store, f.registry, zerolog.Nop(), Options{})
	hooked.afterSave = func() {
		n, err := router.Replay(ctx, bob)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	require.NoError(t, router.SendText(ctx, alice, protocol.SendText{ID: "m1", To: "bob", Text: "hi"}))
	frames := bob.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "m1", frames[0].(protocol.Delivery).ID)
	require.Len(t, alice.Frames(), 1)

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLiveDeliveryWaitsForReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")
	require.NoError(t, f.router.SendText(ctx, alice, protocol.SendText{ID: "old", To: "bob", Text: "1"}))

	bob := &gatedConn{
		fakeConn: &fakeConn{name: "bob"},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	require.NoError(t, f.registry.Register("bob", bob))

	replayed := make(chan error, 1)
	go func() {
		_, err := f.router.Replay(ctx, bob)
		replayed <- err
	}()
	<-bob.entered

	sent := make(chan error, 1)
	go func() {
		sent <- f.router.SendText(ctx, alice, protocol.SendText{ID: "new", To: "bob", Text: "2"})
	}()
	close(bob.release)
	require.NoError(t, <-replayed)
	require.NoError(t, <-sent)

	var ids []string
	for _, frame := range bob.Frames() {
		ids = append(ids, frame.(protocol.Delivery).ID)
	}
	assert.Equal(t, []string{"old", "new"}, ids)
}

func TestLanesSerializePerUser(t *testing.T) {
	l := newLanes()
	unlock := l.lock("bob")

	other := l.lock("carol")
	other()

	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		release := l.lock("bob")
		close(acquired)
		release()
		close(done)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder entered bob's lane")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks)
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online(t, "alice")

	sig := protocol.Presence{To: "bob", Kind: protocol.PresenceTyping, IsOn: true}
	assert.ErrorIs(t, f.router.Presence(ctx, alice, sig), ErrRecipientOffline)

	bob := f.online(t, "bob")
	require.NoError(t, f.router.Presence(ctx, alice, sig))
	require.Len(t, bob.Frames(), 1)
	got := bob.Frames()[0].(protocol.PresenceEvent)
	assert.Equal(t, "alice", got.From)
	assert.True(t, got.IsOn)

	pending, err := f.store.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBroadcastSkipsSelf(t *testing.T) {
	f := newFixture(t)
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")

	f.router.Broadcast(context.Background(), "alice", protocol.UserJoined("alice"))
	assert.Empty(t, alice.Frames())
	require.Len(t, bob.Frames(), 1)
	assert.Equal(t, []string{"alice", "bob"}, f.router.Online())
}
