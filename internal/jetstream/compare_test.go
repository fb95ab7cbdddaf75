package jetstream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfigEqual(t *testing.T) {
	base := nats.StreamConfig{
		Name:      "bot_events",
		Subjects:  []string{"v1.bots.>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	}
	assert.True(t, streamConfigEqual(base, base))

	changed := base
	changed.MaxAge = time.Hour
	assert.False(t, streamConfigEqual(base, changed))

	changed = base
	changed.Subjects = []string{"v1.bots.>", "v2.bots.>"}
	assert.False(t, streamConfigEqual(base, changed))

	changed = base
	changed.Retention = nats.WorkQueuePolicy
	assert.False(t, streamConfigEqual(base, changed))
}

func TestConsumerConfigEqual(t *testing.T) {
	base := nats.ConsumerConfig{
		Durable:        "bot-fleet-control",
		DeliverGroup:   "bot-fleet",
		DeliverSubject: "_INBOX.a",
		FilterSubjects: []string{"v1.control.>"},
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        time.Minute,
		MaxDeliver:     5,
		MaxAckPending:  256,
	}
	assert.True(t, consumerConfigEqual(base, base))

	inbox := base
	inbox.DeliverSubject = "_INBOX.b"
	assert.True(t, consumerConfigEqual(base, inbox), "deliver subject is not compared")

	changed := base
	changed.MaxDeliver = 10
	assert.False(t, consumerConfigEqual(base, changed))

	changed = base
	changed.FilterSubjects = []string{"v1.control.bot_1.>"}
	assert.False(t, consumerConfigEqual(base, changed))

	changed = base
	changed.DeliverGroup = "other"
	assert.False(t, consumerConfigEqual(base, changed))
}
