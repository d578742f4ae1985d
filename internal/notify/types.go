package notify

import (
	"context"
	"time"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled           bool
	ScheduledFailures bool
	RatePerSec        int
	QueueSize         int
	RetryMax          int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	DedupWindow       time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Message is one operator notification. Key, when set, is used for dedup.
type Message struct {
	Text     string
	Priority int
	Key      string
}

// Sender delivers a rendered message to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	Error   string    `json:"error,omitempty"`
}
