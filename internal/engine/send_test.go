package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/models"
)

func TestSendRejectsBlankContent(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	require.ErrorIs(t, e.Send(context.Background(), "g1", ""), errs.ErrInvalidMessage)
	require.ErrorIs(t, e.Send(context.Background(), "g1", "   \t\n"), errs.ErrInvalidMessage)
	require.ErrorIs(t, e.Send(context.Background(), "", "hi"), errs.ErrInvalidMessage)
	require.Empty(t, store.insertedContents(), "rejected sends must not reach the store")
	require.Empty(t, e.Messages("g1"))
}

// Scenario: a failed durable write rolls the optimistic entry back and
// surfaces SendFailed; the cache returns to its pre-send state.
func TestSendFailureRollsBack(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	store.msgs["g1"] = []models.Message{{ID: "m1", GroupID: "g1", Content: "before", CreatedAt: time.Now().UTC()}}
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")
	require.Len(t, e.Messages("g1"), 1)

	store.mu.Lock()
	store.insertErr = errors.New("write refused")
	store.mu.Unlock()

	err := e.Send(context.Background(), "g1", "doomed")
	require.True(t, errs.IsSendFailed(err))
	require.Len(t, e.Messages("g1"), 1, "cache must return to pre-send state")
	require.Equal(t, "m1", e.Messages("g1")[0].ID)
}

func TestSendsAreSequentialPerGroup(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	gate := make(chan struct{})
	store.insertGate = gate
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	results := make(chan error, 2)
	go func() { results <- e.Send(context.Background(), "g1", "first") }()
	require.Eventually(t, func() bool { return len(e.Messages("g1")) == 1 }, waitFor, time.Millisecond)
	go func() { results <- e.Send(context.Background(), "g1", "second") }()
	require.Eventually(t, func() bool { return len(e.Messages("g1")) == 2 }, waitFor, time.Millisecond)

	// both optimistic entries are provisional, tail-ordered
	msgs := e.Messages("g1")
	require.True(t, strings.HasPrefix(msgs[0].ID, "temp-"))
	require.True(t, strings.HasPrefix(msgs[1].ID, "temp-"))

	gate <- struct{}{}
	gate <- struct{}{}
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	require.Equal(t, []string{"first", "second"}, store.insertedContents())
	require.Eventually(t, func() bool {
		msgs := e.Messages("g1")
		return len(msgs) == 2 && msgs[0].ID == "srv-1" && msgs[1].ID == "srv-2"
	}, waitFor, time.Millisecond)
}

// The durable write may race its own change-feed delivery; the cache
// absorbs the redundancy either way.
func TestFeedDeliveryBeforeConfirm(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	gate := make(chan struct{})
	store.insertGate = gate
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")

	done := make(chan error, 1)
	go func() { done <- e.Send(context.Background(), "g1", "hi") }()
	require.Eventually(t, func() bool { return len(e.Messages("g1")) == 1 }, waitFor, time.Millisecond)

	// feed wins the race: the authoritative row arrives before the ack
	authoritative := models.Message{ID: "srv-1", GroupID: "g1", SenderID: "u1", Content: "hi", CreatedAt: time.Now().UTC()}
	fd.emit(models.TableMessages, insertEvent(t, authoritative))
	require.Eventually(t, func() bool { return len(e.Messages("g1")) == 2 }, waitFor, time.Millisecond)

	gate <- struct{}{}
	require.NoError(t, <-done)

	msgs := e.Messages("g1")
	require.Len(t, msgs, 1, "confirm must not duplicate the feed-delivered row")
	require.Equal(t, "srv-1", msgs[0].ID)
}

func TestSendAfterClose(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	fd := &fakeFeed{}
	e := startEngine(t, store, fd)
	waitLive(t, e, "g1")
	e.Close()

	require.ErrorIs(t, e.Send(context.Background(), "g1", "hi"), errs.ErrEngineClosed)
}

type recordingPublisher struct {
	ch chan models.Message
}

func (p *recordingPublisher) PublishConfirmed(_ context.Context, msg models.Message) {
	p.ch <- msg
}

func TestConfirmedSendsArePublished(t *testing.T) {
	store := newFakeStore(models.Group{ID: "g1"})
	fd := &fakeFeed{}
	pub := &recordingPublisher{ch: make(chan models.Message, 1)}
	e := New("u1", store, fd, pub, testOptions(), zap.NewNop().Sugar())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	waitLive(t, e, "g1")

	require.NoError(t, e.Send(context.Background(), "g1", "hi"))

	select {
	case m := <-pub.ch:
		require.Equal(t, "srv-1", m.ID)
		require.Equal(t, "hi", m.Content)
	case <-time.After(waitFor):
		t.Fatal("confirmed message was never published")
	}
}
