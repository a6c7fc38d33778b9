// Package feed defines the change-feed consumption contract: row-level
// insert/update/delete events for a named table, filtered by field
// equality. Implementations live in the mongofeed and redisfeed
// subpackages.
package feed

import (
	"context"
	"encoding/json"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

type Event struct {
	Kind  Kind            `json:"kind"`
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// Filter narrows a subscription to rows whose fields equal the given
// values, e.g. {"group_id": "g1"}.
type Filter map[string]string

// Matches reports whether the row satisfies every filter field. An
// empty filter matches everything; an undecodable row matches nothing.
func (f Filter) Matches(row json.RawMessage) bool {
	if len(f) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	for k, want := range f {
		got, ok := fields[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

type EventFunc func(Event)

// DropFunc is invoked once when the underlying connection is lost and
// events may have been missed. The subscription is dead afterwards.
type DropFunc func(error)

type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

type Feed interface {
	Subscribe(ctx context.Context, table string, filter Filter, onEvent EventFunc, onDrop DropFunc) (Subscription, error)
}

// Publisher is the producing side used by stores that announce their
// own writes (the redis-backed feed fans out this way).
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
