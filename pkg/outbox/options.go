package outbox

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RelayOptions tune a Relay. Zero values fall back to the defaults below.
type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	LockTTL      time.Duration

	// MaxAttempts is the number of deliveries after which a message is
	// left unpublished for good (dead).
	MaxAttempts  int
	SingleActive bool

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterMax   time.Duration

	LastErrorMaxLen int
	DispatchTimeout time.Duration
	DepthInterval   time.Duration

	Logger *logrus.Entry
	Rand   *rand.Rand
}

func (o *RelayOptions) applyDefaults() {
	o.PollInterval = orDuration(o.PollInterval, time.Second)
	o.LockTTL = orDuration(o.LockTTL, time.Minute)
	o.BaseBackoff = orDuration(o.BaseBackoff, time.Second)
	o.MaxBackoff = orDuration(o.MaxBackoff, time.Minute)
	o.JitterMax = orDuration(o.JitterMax, 200*time.Millisecond)
	o.DispatchTimeout = orDuration(o.DispatchTimeout, 30*time.Second)
	o.DepthInterval = orDuration(o.DepthInterval, 10*time.Second)
	o.BatchSize = orInt(o.BatchSize, 100)
	o.MaxAttempts = orInt(o.MaxAttempts, 25)
	o.LastErrorMaxLen = orInt(o.LastErrorMaxLen, 2048)
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
}

// CleanerOptions tune a Cleaner. Dead rows are only purged when both
// DeadRetention and DeadAttempts are set.
type CleanerOptions struct {
	Enabled       bool
	Interval      time.Duration
	Retention     time.Duration
	DeadRetention time.Duration
	DeadAttempts  int

	Logger *logrus.Entry
}

func (o *CleanerOptions) applyDefaults() {
	o.Interval = orDuration(o.Interval, time.Minute)
	o.Retention = orDuration(o.Retention, 7*24*time.Hour)
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
