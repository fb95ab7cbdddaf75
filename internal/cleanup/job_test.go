package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
)

type pruneCall struct {
	vip         bool
	before      time.Time
	placeholder string
}

type fakeStore struct {
	mu       sync.Mutex
	prunes   []pruneCall
	deletes  []time.Time
	pruneErr error
	block    chan struct{}
}

func (s *fakeStore) PruneMedia(_ context.Context, vip bool, before time.Time, placeholder string) (int64, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunes = append(s.prunes, pruneCall{vip: vip, before: before, placeholder: placeholder})
	if s.pruneErr != nil {
		return 0, s.pruneErr
	}
	if vip {
		return 2, nil
	}
	return 5, nil
}

func (s *fakeStore) DeleteMessages(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, before)
	return 7, nil
}

var fixedNow = time.Date(2026, 6, 30, 3, 0, 0, 0, time.UTC)

func newTestJob(t *testing.T, store Store) *Job {
	j := NewJob(config.CleanupConfig{}, store, zaptest.NewLogger(t))
	j.nowFn = func() time.Time { return fixedNow }
	return j
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "[Multimedia borrada por política de retención: >30 días]", Placeholder(30))
}

func TestRun_AppliesRetentionRules(t *testing.T) {
	store := &fakeStore{}
	j := newTestJob(t, store)

	report, ok := j.Run(context.Background())
	require.True(t, ok)
	assert.Equal(t, Report{VIPMediaPruned: 2, LeadMediaPruned: 5, MessagesDeleted: 7}, report)

	require.Len(t, store.prunes, 2)
	assert.True(t, store.prunes[0].vip)
	assert.Equal(t, fixedNow.AddDate(0, 0, -180), store.prunes[0].before)
	assert.Equal(t, Placeholder(180), store.prunes[0].placeholder)
	assert.False(t, store.prunes[1].vip)
	assert.Equal(t, fixedNow.AddDate(0, 0, -30), store.prunes[1].before)
	assert.Equal(t, Placeholder(30), store.prunes[1].placeholder)

	require.Len(t, store.deletes, 1)
	assert.Equal(t, fixedNow.AddDate(0, 0, -90), store.deletes[0])
}

func TestRun_ContinuesAfterFailedStep(t *testing.T) {
	store := &fakeStore{pruneErr: errors.New("db down")}
	j := newTestJob(t, store)

	report, ok := j.Run(context.Background())
	require.True(t, ok)
	assert.Zero(t, report.VIPMediaPruned)
	assert.Zero(t, report.LeadMediaPruned)
	assert.EqualValues(t, 7, report.MessagesDeleted)
}

func TestRun_SkipsWhileRunning(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	j := newTestJob(t, store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(context.Background())
	}()
	require.Eventually(t, j.running.Load, time.Second, time.Millisecond)

	_, ok := j.Run(context.Background())
	assert.False(t, ok)

	close(store.block)
	<-done
	_, ok = j.Run(context.Background())
	assert.True(t, ok)
}

func TestStartStop(t *testing.T) {
	j := newTestJob(t, &fakeStore{})
	require.NoError(t, j.Start(context.Background()))
	require.NoError(t, j.Start(context.Background()))
	j.Stop()
	j.Stop()

	bad := NewJob(config.CleanupConfig{Spec: "not a spec"}, &fakeStore{}, zaptest.NewLogger(t))
	assert.Error(t, bad.Start(context.Background()))
}
