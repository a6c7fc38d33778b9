package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupsync_feed_events_total",
		Help: "Change-feed events applied to a conversation cache, by kind.",
	}, []string{"kind"})

	StaleEventsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_stale_events_discarded_total",
		Help: "Feed events and fetch results discarded by the stale-group guard.",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_duplicate_events_total",
		Help: "Feed events dropped because the message id was already cached.",
	})

	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupsync_sends_total",
		Help: "Message sends, by outcome.",
	}, []string{"outcome"})

	MembershipReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_membership_reloads_total",
		Help: "Full membership reloads triggered by change-feed events.",
	})

	DroppedNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_dropped_notifications_total",
		Help: "Engine notifications dropped because the consumer lagged.",
	})
)

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
