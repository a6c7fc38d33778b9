package engine

import (
	"github.com/fathima-sithara/groupsync/internal/feed"
	"github.com/fathima-sithara/groupsync/internal/models"
)

type State int32

const (
	StateIdle State = iota
	StateLoading
	StateLive
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateSwitching:
		return "switching"
	default:
		return "unknown"
	}
}

type NotificationType string

const (
	NotifyMessage                NotificationType = "message"
	NotifyMessageConfirmed       NotificationType = "message_confirmed"
	NotifySendFailed             NotificationType = "send_failed"
	NotifyGroupsChanged          NotificationType = "groups_changed"
	NotifyActiveGroup            NotificationType = "active_group"
	NotifyActiveGroupInvalidated NotificationType = "active_group_invalidated"
	NotifyState                  NotificationType = "state"
	NotifySyncError              NotificationType = "sync_error"
)

// Notification is the engine's outbound signal to presentation layers.
// The stream is best-effort: a lagging consumer drops notifications,
// the caches remain the source of truth.
type Notification struct {
	Type    NotificationType
	GroupID string
	Message *models.Message
	Groups  []models.Group
	State   State
	Err     error
}

// Inbound loop events. Feed callbacks, fetch completions and write
// completions all arrive on the one events channel so their ordering is
// explicit and the loop stays the single writer.
type (
	selectGroupCmd struct{ groupID string }

	fetchDone struct {
		epoch   uint64
		groupID string
		msgs    []models.Message
		err     error
		attempt int
	}

	feedMessage struct {
		epoch uint64
		ev    feed.Event
	}

	feedDropped struct {
		epoch uint64
		err   error
	}

	membershipChanged struct{ ev feed.Event }

	membershipReloaded struct {
		groups []models.Group
		err    error
	}

	membershipResubscribed struct {
		sub feed.Subscription
		err error
	}

	sendCmd struct{ req *sendRequest }

	writeDone struct {
		req *sendRequest
		msg *models.Message
		err error
	}
)
