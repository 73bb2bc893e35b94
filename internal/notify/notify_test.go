// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) got() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcherDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)
	sink := &recordingSink{}
	d := NewDispatcher(8, nil, sink)

	assert.True(t, d.Notify(Event{JobID: "j1", Stage: types.StageResearch, Status: types.StatusInProgress}))
	assert.True(t, d.Notify(Event{JobID: "j1", Status: types.StatusCompleted}))
	d.Close()

	got := sink.got()
	require.Len(t, got, 2)
	assert.Equal(t, "research", got[0].StageName)
	assert.False(t, got[0].Time.IsZero())
	assert.Equal(t, types.StatusCompleted, got[1].Status)
	assert.Empty(t, got[1].StageName)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(1, nil, sink)

	// The first event is taken by the dispatcher goroutine and blocks in the
	// sink; subsequent ones fill the queue and then overflow.
	d.Notify(Event{JobID: "a"})
	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Notify(Event{JobID: "b"}) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 2)
	assert.GreaterOrEqual(t, d.Dropped(), int64(8))

	close(sink.block)
	d.Close()
	assert.False(t, d.Notify(Event{JobID: "late"}), "closed dispatcher drops")
	d.Close()
}

func TestDispatcherSinkErrorLogged(t *testing.T) {
	defer goleak.VerifyNone(t)
	core, logs := observer.New(zap.WarnLevel)
	sink := &recordingSink{err: errors.New("down")}
	d := NewDispatcher(4, logging.FromZap(zap.New(core)), sink)
	d.Notify(Event{JobID: "j"})
	d.Close()

	require.Equal(t, 1, logs.FilterMessage("notification sink failed").Len())
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	assert.False(t, d.Notify(Event{JobID: "j"}))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSink(logging.FromZap(zap.New(core)))
	require.NoError(t, s.Send(context.Background(), Event{JobID: "j", StageName: "dedup", Status: types.StatusFailed, Error: "boom"}))

	entries := logs.FilterMessage("progress").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "j", fields["job"])
	assert.Equal(t, "boom", fields["error"])
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	p.channel = channel
	p.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSink(t *testing.T) {
	pub := &fakePublisher{}
	s := NewRedisSinkWith(pub, "", nil)
	require.NoError(t, s.Send(context.Background(), Event{JobID: "j", Stage: types.StageDelivery, Status: types.StatusCompleted}))
	assert.Equal(t, "chapter-engine:progress", pub.channel)

	var e Event
	require.NoError(t, json.Unmarshal(pub.payload, &e))
	assert.Equal(t, "j", e.JobID)
	assert.Equal(t, types.StageDelivery, e.Stage)
	require.NoError(t, s.Close())

	pub.err = errors.New("connection refused")
	assert.ErrorContains(t, s.Send(context.Background(), Event{JobID: "j"}), "connection refused")
}

func TestNewRedisSinkRequiresAddr(t *testing.T) {
	_, err := NewRedisSink(context.Background(), types.NotifyConfig{}, nil)
	require.Error(t, err)
}
