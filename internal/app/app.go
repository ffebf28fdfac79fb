package app

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailsync/internal/metrics"
)

// LocalIDPrefix marks ids minted on this device for records the server has
// not seen yet. The pusher swaps them for server ids.
const LocalIDPrefix = "local-"

// Defaults for Options fields left zero.
const (
	DefaultRetryBudget     = 3
	DefaultPushConcurrency = 4
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultBoostWindow     = time.Minute
)

// Options carries the settings shared by the services in this package.
type Options struct {
	// OwnerID scopes the label catalog.
	OwnerID string
	// RetryBudget is the number of failed pushes after which a record is
	// marked failed and waits for an explicit retry.
	RetryBudget     int
	PushConcurrency int
	// Retention is how long soft-deleted mail is kept before purge.
	Retention time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RetryBudget <= 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.PushConcurrency <= 0 {
		o.PushConcurrency = DefaultPushConcurrency
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func newLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was minted locally and is unknown to the server.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
