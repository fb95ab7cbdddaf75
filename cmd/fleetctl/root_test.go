package main

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/control"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

type published struct {
	subject string
	data    []byte
	headers map[string]string
}

type recordingPublisher struct {
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data, headers: headers})
	return nil
}

func TestSend(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	pub := &recordingPublisher{}

	err := send(pub, "v1.control", "tenant_a", control.CmdClientStatus, control.SetClientStatus{ChatID: "c1", Status: "HOT"})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "v1.control.tenant_a.client.status", msg.subject)
	assert.NotEmpty(t, msg.headers[nats.MsgIdHdr])

	var got control.SetClientStatus
	require.NoError(t, json.Unmarshal(msg.data, &got))
	assert.Equal(t, "c1", got.ChatID)
	assert.EqualValues(t, "HOT", got.Status)

	tenantID, command, err := control.ParseSubject("v1.control", msg.subject)
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", tenantID)
	assert.Equal(t, control.CmdClientStatus, command)
}

func TestSend_NilPayloadAndPublishError(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)

	pub := &recordingPublisher{}
	require.NoError(t, send(pub, "v1.control", "tenant_a", control.CmdSessionStop, nil))
	assert.Empty(t, pub.msgs[0].data)

	failing := &recordingPublisher{err: errors.New("boom")}
	err := send(failing, "v1.control", "tenant_a", control.CmdSessionStop, nil)
	assert.ErrorContains(t, err, "boom")
}

func TestPublishTask(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	pub := &recordingPublisher{}
	var counters loadCounters

	publishTask(pub, "v1.control", loadTask{TenantID: "t1", Command: control.CmdReminderAdd}, &counters)
	publishTask(pub, "v1.control", loadTask{TenantID: "t2", Command: control.CmdClientStatus}, &counters)

	assert.EqualValues(t, 2, counters.published.Load())
	require.Len(t, pub.msgs, 2)

	var reminder control.AddReminder
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &reminder))
	assert.NotEmpty(t, reminder.ChatID)
	require.NotNil(t, reminder.RecurrenceDays)
	assert.GreaterOrEqual(t, *reminder.RecurrenceDays, 1)

	publishTask(&recordingPublisher{err: errors.New("down")}, "v1.control", loadTask{TenantID: "t1", Command: control.CmdClientStatus}, &counters)
	assert.EqualValues(t, 1, counters.failed.Load())
}
