package jetstream

import (
	"slices"

	"github.com/nats-io/nats.go"
)

// streamConfigEqual compares the stream settings the fleet manages.
func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Retention == b.Retention &&
		a.Storage == b.Storage &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		slices.Equal(a.Subjects, b.Subjects)
}

// consumerConfigEqual compares the consumer settings the fleet manages.
// DeliverSubject is ignored: a fresh inbox is generated on every boot.
func consumerConfigEqual(a, b nats.ConsumerConfig) bool {
	return a.Durable == b.Durable &&
		a.DeliverGroup == b.DeliverGroup &&
		a.AckPolicy == b.AckPolicy &&
		a.AckWait == b.AckWait &&
		a.MaxDeliver == b.MaxDeliver &&
		a.MaxAckPending == b.MaxAckPending &&
		a.FilterSubject == b.FilterSubject &&
		slices.Equal(a.FilterSubjects, b.FilterSubjects)
}
