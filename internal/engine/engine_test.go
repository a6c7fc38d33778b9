package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/feed"
	"github.com/fathima-sithara/groupsync/internal/models"
)

const waitFor = 2 * time.Second

type fakeStore struct {
	mu         sync.Mutex
	groups     []models.Group
	msgs       map[string][]models.Message
	fetchGates map[string]chan struct{}
	fetchErrs  map[string]error
	fetchCalls map[string]int
	insertGate chan struct{}
	insertErr  error
	inserted   []models.Message
	nextID     int
}

func newFakeStore(groups ...models.Group) *fakeStore {
	return &fakeStore{
		groups:     groups,
		msgs:       make(map[string][]models.Message),
		fetchGates: make(map[string]chan struct{}),
		fetchErrs:  make(map[string]error),
		fetchCalls: make(map[string]int),
	}
}

func (f *fakeStore) FetchGroupsForUser(_ context.Context, _ string) ([]models.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Group, len(f.groups))
	copy(out, f.groups)
	return out, nil
}

func (f *fakeStore) FetchMessages(_ context.Context, groupID string) ([]models.Message, error) {
	f.mu.Lock()
	f.fetchCalls[groupID]++
	gate := f.fetchGates[groupID]
	err := f.fetchErrs[groupID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, errs.Transient("fetch messages", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.msgs[groupID]))
	copy(out, f.msgs[groupID])
	return out, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, groupID, senderID, content string) (*models.Message, error) {
	f.mu.Lock()
	gate := f.insertGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.nextID++
	m := models.Message{
		ID:        fmt.Sprintf("srv-%d", f.nextID),
		GroupID:   groupID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(f.nextID) * time.Second),
	}
	f.inserted = append(f.inserted, m)
	f.msgs[groupID] = append(f.msgs[groupID], m)
	return &m, nil
}

func (f *fakeStore) fetches(groupID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[groupID]
}

func (f *fakeStore) insertedContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inserted))
	for i, m := range f.inserted {
		out[i] = m.Content
	}
	return out
}

type fakeSub struct {
	table   string
	filter  feed.Filter
	onEvent feed.EventFunc
	onDrop  feed.DropFunc
	closed  bool
}

func (s *fakeSub) Unsubscribe(context.Context) error {
	s.closed = true
	return nil
}

type fakeFeed struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (f *fakeFeed) Subscribe(_ context.Context, table string, filter feed.Filter, onEvent feed.EventFunc, onDrop feed.DropFunc) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{table: table, filter: filter, onEvent: onEvent, onDrop: onDrop}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) open(table string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs {
		if s.table == table && !s.closed {
			out = append(out, s)
		}
	}
	return out
}

// emit delivers an event to open subscriptions honoring their filter,
// the way a real feed would.
func (f *fakeFeed) emit(table string, ev feed.Event) {
	for _, s := range f.open(table) {
		if s.filter.Matches(ev.Row) {
			s.onEvent(ev)
		}
	}
}

// emitRaw bypasses the filter, simulating a backend that pushes rows
// the client did not ask for.
func (f *fakeFeed) emitRaw(table string, ev feed.Event) {
	for _, s := range f.open(table) {
		s.onEvent(ev)
	}
}

func (f *fakeFeed) drop(table string, err error) {
	for _, s := range f.open(table) {
		s.closed = true
		s.onDrop(err)
	}
}

func rowOf(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func insertEvent(t *testing.T, m models.Message) feed.Event {
	return feed.Event{Kind: feed.KindInsert, Table: models.TableMessages, Row: rowOf(t, m)}
}

func testOptions() Options {
	return Options{FetchRetries: 2, RetryBackoff: time.Millisecond, FetchTimeout: time.Second, NotifyBuffer: 64}
}

func startEngine(t *testing.T, store *fakeStore, fd *fakeFeed) *Engine {
	t.Helper()
	e := New("u1", store, fd, nil, testOptions(), zap.NewNop().Sugar())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e
}

func waitLive(t *testing.T, e *Engine, groupID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.State() == StateLive && e.ActiveGroup() == groupID
	}, waitFor, time.Millisecond, "engine never went live for %s", groupID)
}

func waitNotify(t *testing.T, e *Engine, typ NotificationType) Notification {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case n, ok := <-e.Notifications():
			require.True(t, ok, "notification channel closed waiting for %s", typ)
			if n.Type == typ {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", typ)
		}
	}
}

func TestStartRequiresAuth(t *testing.T) {
	e := New("", newFakeStore(), &fakeFeed{}, nil, testOptions(), zap.NewNop().Sugar())
	require.ErrorIs(t, e.Start(context.Background()), errs.ErrAuthRequired)
}

func TestStartSubscribesMembershipsAndSelectsFirstGroup(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1", Name: "team rocket"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)

	waitLive(t, e, "g1")
	require.Len(t, fd.open(models.TableMemberships), 1)
	require.Len(t, fd.open(models.TableMessages), 1)
	require.Equal(t, feed.Filter{"user_id": "u1"}, fd.open(models.TableMemberships)[0].filter)
	require.Equal(t, feed.Filter{"group_id": "g1"}, fd.open(models.TableMessages)[0].filter)
}

// Scenario: a group with no history loads empty, then a send produces
// one optimistic entry that ends up as the single confirmed row.
func TestEmptyGroupThenFirstSend(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")
	require.Empty(t, e.Messages("g1"))

	require.NoError(t, e.Send(context.Background(), "g1", "hi"))

	msgs := e.Messages("g1")
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-1", msgs[0].ID)
	require.Equal(t, "hi", msgs[0].Content)
}

// Scenario: duplicate change-feed delivery of the same id leaves one
// entry.
func TestDuplicateFeedDelivery(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	m := models.Message{ID: "m1", GroupID: "g1", SenderID: "u2", Content: "yo", CreatedAt: time.Now().UTC()}
	fd.emit(models.TableMessages, insertEvent(t, m))
	time.Sleep(10 * time.Millisecond)
	fd.emit(models.TableMessages, insertEvent(t, m))

	require.Eventually(t, func() bool { return len(e.Messages("g1")) == 1 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, e.Messages("g1"), 1)
}

// Scenario: switching groups before the first fetch resolves discards
// the late result.
func TestSwitchBeforeFetchResolves(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"}, models.Group{ID: "g2"})
	store.msgs["g1"] = []models.Message{{ID: "old", GroupID: "g1", Content: "stale", CreatedAt: time.Now().UTC()}}
	store.msgs["g2"] = []models.Message{{ID: "m2", GroupID: "g2", Content: "fresh", CreatedAt: time.Now().UTC()}}
	g1Gate := make(chan struct{})
	store.fetchGates["g1"] = g1Gate

	fd := &fakeFeed{}
	e := startEngine(t, store, fd)

	require.Eventually(t, func() bool { return store.fetches("g1") == 1 }, waitFor, time.Millisecond)
	e.SelectGroup("g2")
	waitLive(t, e, "g2")

	close(g1Gate)
	time.Sleep(50 * time.Millisecond)

	require.Empty(t, e.Messages("g1"), "late fetch must be discarded")
	require.Equal(t, "m2", e.Messages("g2")[0].ID)
	require.Equal(t, "g2", e.ActiveGroup())
}

// An event tagged with another group id must not touch any cache even
// if the backend pushes it at us.
func TestStaleGroupGuard(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"}, models.Group{ID: "g2"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	rogue := models.Message{ID: "m9", GroupID: "g2", SenderID: "u2", Content: "wrong room", CreatedAt: time.Now().UTC()}
	fd.emitRaw(models.TableMessages, insertEvent(t, rogue))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, e.Messages("g1"))
	require.Empty(t, e.Messages("g2"))
}

func TestCacheRetainedAcrossSwitches(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"}, models.Group{ID: "g2"})
	store.msgs["g1"] = []models.Message{{ID: "m1", GroupID: "g1", Content: "hello", CreatedAt: time.Now().UTC()}}
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	e.SelectGroup("g2")
	waitLive(t, e, "g2")

	// returning to g1 renders instantly from the retained log
	require.Len(t, e.Messages("g1"), 1)
	require.Len(t, fd.open(models.TableMessages), 1, "exactly one live message subscription")
}

func TestFeedDropForcesResync(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	store.msgs["g1"] = []models.Message{{ID: "m1", GroupID: "g1", Content: "a", CreatedAt: time.Now().UTC()}}
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")
	require.Len(t, e.Messages("g1"), 1)

	// a message lands while the connection is down
	store.mu.Lock()
	store.msgs["g1"] = append(store.msgs["g1"], models.Message{ID: "m2", GroupID: "g1", Content: "b", CreatedAt: time.Now().UTC()})
	store.mu.Unlock()
	fd.drop(models.TableMessages, errors.New("connection lost"))

	require.Eventually(t, func() bool { return len(e.Messages("g1")) == 2 }, waitFor, time.Millisecond)
	waitLive(t, e, "g1")
	require.Len(t, fd.open(models.TableMessages), 1)
}

// The membership subscription is held for the whole session: a drop
// must resubscribe and then reload, since change events were missed
// while disconnected.
func TestMembershipFeedDropResubscribes(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"}, models.Group{ID: "g2"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	// kicked out of g1 while the membership feed is down
	store.mu.Lock()
	store.groups = []models.Group{{ID: "g2"}}
	store.mu.Unlock()
	fd.drop(models.TableMemberships, errors.New("connection lost"))

	n := waitNotify(t, e, NotifyActiveGroupInvalidated)
	require.Equal(t, "g1", n.GroupID)
	waitLive(t, e, "g2")

	subs := fd.open(models.TableMemberships)
	require.Len(t, subs, 1, "exactly one live membership subscription")
	require.Equal(t, feed.Filter{"user_id": "u1"}, subs[0].filter)
	require.Len(t, e.Groups(), 1)
}

func TestMembershipChangeInvalidatesActiveGroup(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"}, models.Group{ID: "g2"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	// kicked out of g1
	store.mu.Lock()
	store.groups = []models.Group{{ID: "g2"}}
	store.mu.Unlock()
	fd.emit(models.TableMemberships, feed.Event{
		Kind:  feed.KindDelete,
		Table: models.TableMemberships,
		Row:   rowOf(t, models.Membership{GroupID: "g1", UserID: "u1"}),
	})

	n := waitNotify(t, e, NotifyActiveGroupInvalidated)
	require.Equal(t, "g1", n.GroupID)
	waitLive(t, e, "g2")
	require.Len(t, e.Groups(), 1)
}

func TestMembershipChangeToNoGroups(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	store.mu.Lock()
	store.groups = nil
	store.mu.Unlock()
	fd.emit(models.TableMemberships, feed.Event{
		Kind:  feed.KindDelete,
		Table: models.TableMemberships,
		Row:   rowOf(t, models.Membership{GroupID: "g1", UserID: "u1"}),
	})

	require.Eventually(t, func() bool {
		return e.State() == StateIdle && e.ActiveGroup() == ""
	}, waitFor, time.Millisecond)
}

func TestFetchFailureRetriesThenGoesIdle(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	store.fetchErrs["g1"] = errors.New("backend down")
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)

	n := waitNotify(t, e, NotifySyncError)
	require.True(t, errs.IsTransient(n.Err))
	require.Eventually(t, func() bool { return e.State() == StateIdle }, waitFor, time.Millisecond)
	require.Equal(t, "", e.ActiveGroup())
	require.Equal(t, 2, store.fetches("g1"))
}

func TestCloseReleasesEverything(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	e.Close()

	require.Empty(t, fd.open(models.TableMessages))
	require.Empty(t, fd.open(models.TableMemberships))
	_, ok := <-e.Notifications()
	for ok {
		_, ok = <-e.Notifications()
	}
	require.False(t, ok, "notification channel must close on teardown")
}
