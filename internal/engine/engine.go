// Package engine orchestrates realtime group sync for one
// authenticated session: it owns the active change-feed subscription,
// is the only writer to the conversation cache and membership store,
// and serializes every callback through a single event loop.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/conversation"
	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/feed"
	"github.com/fathima-sithara/groupsync/internal/membership"
	"github.com/fathima-sithara/groupsync/internal/metrics"
	"github.com/fathima-sithara/groupsync/internal/models"
	"github.com/fathima-sithara/groupsync/internal/repository"
)

// MessagePublisher receives every confirmed send. Implemented by the
// kafka publisher in internal/events; nil disables publishing.
type MessagePublisher interface {
	PublishConfirmed(ctx context.Context, msg models.Message)
}

type Options struct {
	FetchRetries int
	RetryBackoff time.Duration
	FetchTimeout time.Duration
	NotifyBuffer int
}

func (o *Options) fill() {
	if o.FetchRetries <= 0 {
		o.FetchRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = 256
	}
}

// Engine is scoped to one authenticated session: constructed on login,
// Close on logout. There is deliberately no package-level instance.
type Engine struct {
	log       *zap.SugaredLogger
	repo      repository.Store
	feed      feed.Feed
	publisher MessagePublisher
	userID    string
	opts      Options

	groups *membership.Store
	cache  *conversation.Cache

	events    chan any
	notifs    chan Notification
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	active atomic.Value // string
	state  atomic.Int32

	// loop-owned, never touched outside the event loop
	epoch  uint64
	msgSub feed.Subscription
	memSub feed.Subscription
	queues map[string]chan *sendRequest
}

func New(userID string, repo repository.Store, fd feed.Feed, publisher MessagePublisher, opts Options, log *zap.SugaredLogger) *Engine {
	opts.fill()
	e := &Engine{
		log:       log,
		repo:      repo,
		feed:      fd,
		publisher: publisher,
		userID:    userID,
		opts:      opts,
		groups:    membership.New(repo, userID, log),
		cache:     conversation.NewCache(),
		events:    make(chan any, 256),
		notifs:    make(chan Notification, opts.NotifyBuffer),
		closed:    make(chan struct{}),
		queues:    make(map[string]chan *sendRequest),
	}
	e.active.Store("")
	return e
}

// Start loads the membership set, subscribes to membership changes for
// the session lifetime, and brings the first group live (matching the
// default-select behavior of the client it serves). Fails with
// errs.ErrAuthRequired when no user is bound.
func (e *Engine) Start(ctx context.Context) error {
	groups, err := e.groups.Load(ctx)
	if err != nil {
		return err
	}
	sub, err := e.feed.Subscribe(ctx, models.TableMemberships,
		feed.Filter{"user_id": e.userID},
		func(ev feed.Event) { e.post(membershipChanged{ev: ev}) },
		func(err error) { e.post(membershipResubscribed{err: err}) },
	)
	if err != nil {
		return errs.Transient("subscribe memberships", err)
	}
	e.memSub = sub

	e.wg.Add(1)
	go e.loop()

	if len(groups) > 0 {
		e.SelectGroup(groups[0].ID)
	}
	return nil
}

// SelectGroup makes the group the active conversation. Passing ""
// deactivates. Safe from any goroutine; the switch itself happens on
// the event loop.
func (e *Engine) SelectGroup(groupID string) {
	e.post(selectGroupCmd{groupID: groupID})
}

// Groups returns a snapshot of the user's groups.
func (e *Engine) Groups() []models.Group { return e.groups.Groups() }

// Messages returns a snapshot of a group's known log; empty if the
// group was never loaded.
func (e *Engine) Messages(groupID string) []models.Message { return e.cache.Get(groupID) }

func (e *Engine) ActiveGroup() string { return e.active.Load().(string) }

func (e *Engine) State() State { return State(e.state.Load()) }

// Notifications returns the outbound stream. The channel is closed by
// Close.
func (e *Engine) Notifications() <-chan Notification { return e.notifs }

// Close releases every subscription and stops the loop. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.wg.Wait()
}

func (e *Engine) post(ev any) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	select {
	case e.events <- ev:
		return true
	case <-e.closed:
		return false
	}
}

func (e *Engine) notify(n Notification) {
	select {
	case e.notifs <- n:
	default:
		metrics.DroppedNotifications.Inc()
		e.log.Debugw("notification dropped", "type", n.Type)
	}
}

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}
	e.notify(Notification{Type: NotifyState, GroupID: e.ActiveGroup(), State: s})
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closed:
			e.teardown()
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev any) {
	switch ev := ev.(type) {
	case selectGroupCmd:
		e.handleSelect(ev.groupID)
	case fetchDone:
		e.handleFetchDone(ev)
	case feedMessage:
		e.handleFeedMessage(ev)
	case feedDropped:
		e.handleFeedDropped(ev)
	case membershipChanged:
		e.handleMembershipChanged()
	case membershipReloaded:
		e.handleMembershipReloaded(ev)
	case membershipResubscribed:
		e.handleMembershipResubscribed(ev)
	case sendCmd:
		e.handleSend(ev.req)
	case writeDone:
		e.handleWriteDone(ev)
	default:
		e.log.Warnw("unknown loop event", "event", fmt.Sprintf("%T", ev))
	}
}

// handleSelect tears down the previous subscription before anything
// else so no window exists in which two subscriptions mutate the same
// cache slot. The cache itself is retained per group.
func (e *Engine) handleSelect(groupID string) {
	e.setState(StateSwitching)
	if e.msgSub != nil {
		e.unsubscribe(e.msgSub)
		e.msgSub = nil
	}
	e.epoch++
	e.active.Store(groupID)

	if groupID == "" {
		e.setState(StateIdle)
		e.notify(Notification{Type: NotifyActiveGroup, GroupID: ""})
		return
	}
	e.notify(Notification{Type: NotifyActiveGroup, GroupID: groupID})
	e.setState(StateLoading)
	e.startFetch(groupID, e.epoch, 1)
}

func (e *Engine) startFetch(groupID string, epoch uint64, attempt int) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if attempt > 1 {
			backoff := e.opts.RetryBackoff << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-e.closed:
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.FetchTimeout)
		msgs, err := e.repo.FetchMessages(ctx, groupID)
		cancel()
		e.post(fetchDone{epoch: epoch, groupID: groupID, msgs: msgs, err: err, attempt: attempt})
	}()
}

func (e *Engine) handleFetchDone(ev fetchDone) {
	if ev.epoch != e.epoch {
		metrics.StaleEventsDiscarded.Inc()
		e.log.Debugw("stale fetch discarded", "group", ev.groupID)
		return
	}
	if ev.err != nil {
		if ev.attempt < e.opts.FetchRetries {
			e.log.Warnw("fetch messages failed, retrying", "group", ev.groupID, "attempt", ev.attempt, "err", ev.err)
			e.startFetch(ev.groupID, ev.epoch, ev.attempt+1)
			return
		}
		e.active.Store("")
		e.setState(StateIdle)
		e.notify(Notification{Type: NotifySyncError, GroupID: ev.groupID, Err: errs.Transient("load group", ev.err)})
		return
	}

	e.cache.Replace(ev.groupID, ev.msgs)

	epoch := ev.epoch
	sub, err := e.feed.Subscribe(context.Background(), models.TableMessages,
		feed.Filter{"group_id": ev.groupID},
		func(fe feed.Event) { e.post(feedMessage{epoch: epoch, ev: fe}) },
		func(err error) { e.post(feedDropped{epoch: epoch, err: err}) },
	)
	if err != nil {
		if ev.attempt < e.opts.FetchRetries {
			e.log.Warnw("subscribe messages failed, retrying", "group", ev.groupID, "attempt", ev.attempt, "err", err)
			e.startFetch(ev.groupID, ev.epoch, ev.attempt+1)
			return
		}
		e.active.Store("")
		e.setState(StateIdle)
		e.notify(Notification{Type: NotifySyncError, GroupID: ev.groupID, Err: errs.Transient("subscribe group", err)})
		return
	}
	e.msgSub = sub
	e.setState(StateLive)
}

func (e *Engine) handleFeedMessage(ev feedMessage) {
	if ev.epoch != e.epoch {
		metrics.StaleEventsDiscarded.Inc()
		e.log.Debugw("stale feed event discarded")
		return
	}
	if ev.ev.Kind != feed.KindInsert {
		// message edits and deletes are out of scope
		return
	}
	var msg models.Message
	if err := json.Unmarshal(ev.ev.Row, &msg); err != nil {
		e.log.Warnw("undecodable feed row", "err", err)
		return
	}
	if msg.GroupID != e.ActiveGroup() {
		metrics.StaleEventsDiscarded.Inc()
		e.log.Debugw("event for inactive group discarded", "group", msg.GroupID)
		return
	}
	if !e.cache.Append(msg.GroupID, msg) {
		metrics.DuplicateEvents.Inc()
		return
	}
	metrics.FeedEvents.WithLabelValues(string(ev.ev.Kind)).Inc()
	e.notify(Notification{Type: NotifyMessage, GroupID: msg.GroupID, Message: &msg})
}

// handleFeedDropped forces a full resync of the current group. Missed
// events cannot be replayed without a durable cursor, so the whole log
// is refetched.
func (e *Engine) handleFeedDropped(ev feedDropped) {
	if ev.epoch != e.epoch {
		return
	}
	e.log.Warnw("message feed dropped, resyncing", "group", e.ActiveGroup(), "err", ev.err)
	e.msgSub = nil // the dropped subscription is already dead
	e.handleSelect(e.ActiveGroup())
}

func (e *Engine) handleMembershipChanged() {
	metrics.MembershipReloads.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.FetchTimeout)
		groups, err := e.groups.Load(ctx)
		cancel()
		e.post(membershipReloaded{groups: groups, err: err})
	}()
}

func (e *Engine) handleMembershipReloaded(ev membershipReloaded) {
	if ev.err != nil {
		e.log.Warnw("membership reload failed", "err", ev.err)
		e.notify(Notification{Type: NotifySyncError, Err: ev.err})
		return
	}
	e.notify(Notification{Type: NotifyGroupsChanged, Groups: ev.groups})

	active := e.ActiveGroup()
	if active == "" || e.groups.Contains(active) {
		return
	}
	// active group was removed underneath us; fall back to the first
	// remaining group, or none
	e.notify(Notification{Type: NotifyActiveGroupInvalidated, GroupID: active})
	e.handleSelect(e.groups.First())
}

// handleMembershipResubscribed covers both the drop signal (err set,
// sub nil) and the result of the re-subscribe attempt.
func (e *Engine) handleMembershipResubscribed(ev membershipResubscribed) {
	if ev.sub != nil {
		e.memSub = ev.sub
		// events were missed while disconnected
		e.handleMembershipChanged()
		return
	}
	e.log.Warnw("membership feed dropped, resubscribing", "err", ev.err)
	e.memSub = nil
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var lastErr error
		for attempt := 1; attempt <= e.opts.FetchRetries; attempt++ {
			if attempt > 1 {
				select {
				case <-time.After(e.opts.RetryBackoff << (attempt - 2)):
				case <-e.closed:
					return
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.FetchTimeout)
			sub, err := e.feed.Subscribe(ctx, models.TableMemberships,
				feed.Filter{"user_id": e.userID},
				func(fe feed.Event) { e.post(membershipChanged{ev: fe}) },
				func(err error) { e.post(membershipResubscribed{err: err}) },
			)
			cancel()
			if err == nil {
				if !e.post(membershipResubscribed{sub: sub}) {
					e.unsubscribe(sub)
				}
				return
			}
			lastErr = err
		}
		e.post(membershipReloaded{err: errs.Transient("resubscribe memberships", lastErr)})
	}()
}

func (e *Engine) unsubscribe(sub feed.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		e.log.Warnw("unsubscribe", "err", err)
	}
}

func (e *Engine) teardown() {
	if e.msgSub != nil {
		e.unsubscribe(e.msgSub)
		e.msgSub = nil
	}
	if e.memSub != nil {
		e.unsubscribe(e.memSub)
		e.memSub = nil
	}
	e.state.Store(int32(StateIdle))
	close(e.notifs)
}
