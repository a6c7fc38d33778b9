// Package redisfeed implements the change feed over redis pub/sub, one
// channel per table. Producers publish events through the same client,
// so filtering happens on the consumer side.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/feed"
)

type Feed struct {
	client *redis.Client
	prefix string
	log    *zap.SugaredLogger
}

func New(client *redis.Client, prefix string, log *zap.SugaredLogger) *Feed {
	return &Feed{client: client, prefix: prefix, log: log}
}

func (f *Feed) channel(table string) string {
	return fmt.Sprintf("%s:feed:%s", f.prefix, table)
}

func (f *Feed) Publish(ctx context.Context, ev feed.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel(ev.Table), b).Err()
}

// receiver is the slice of *redis.PubSub the consume loop needs.
type receiver interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
}

func (f *Feed) Subscribe(ctx context.Context, table string, filter feed.Filter, onEvent feed.EventFunc, onDrop feed.DropFunc) (feed.Subscription, error) {
	ps := f.client.Subscribe(ctx, f.channel(table))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	go func() {
		f.consume(loopCtx, ps, table, filter, onEvent, onDrop, sub.done)
		_ = ps.Close()
	}()
	return sub, nil
}

// consume drives ReceiveMessage directly instead of ranging over
// Channel(): the channel helper redials and resubscribes on its own,
// swallowing exactly the connection errors a drop handler needs to see,
// and any events published during the outage are gone either way.
func (f *Feed) consume(ctx context.Context, rcv receiver, table string, filter feed.Filter, onEvent feed.EventFunc, onDrop feed.DropFunc, done <-chan struct{}) {
	for {
		msg, err := rcv.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-done:
				// closed by Unsubscribe, not a drop
			default:
				f.log.Warnw("feed subscription dropped", "table", table, "err", err)
				if onDrop != nil {
					onDrop(err)
				}
			}
			return
		}
		var ev feed.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			f.log.Warnw("bad feed payload", "table", table, "err", err)
			continue
		}
		if !filter.Matches(ev.Row) {
			continue
		}
		onEvent(ev)
	}
}

type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.ps.Close()
	})
	return err
}
