/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/metrics"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/registry"
	"github.com/carverauto/rdregistry/pkg/transport"
)

const testHost = "node-a"

// busRecorder captures handlers registered on a MockBus and every publish.
type busRecorder struct {
	mu        sync.Mutex
	handlers  map[string]transport.Handler
	queues    map[string]string
	published []transport.Message
}

func newRecordingBus(t *testing.T) (*transport.MockBus, *busRecorder) {
	t.Helper()

	ctrl := gomock.NewController(t)
	bus := transport.NewMockBus(ctrl)
	sub := transport.NewMockSubscription(ctrl)
	rec := &busRecorder{
		handlers: make(map[string]transport.Handler),
		queues:   make(map[string]string),
	}

	sub.EXPECT().Unsubscribe().Return(nil).AnyTimes()

	bus.EXPECT().Subscribe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(subject string, h transport.Handler) (transport.Subscription, error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()

			rec.handlers[subject] = h

			return sub, nil
		}).AnyTimes()

	bus.EXPECT().QueueSubscribe(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(subject, queue string, h transport.Handler) (transport.Subscription, error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()

			rec.handlers[subject] = h
			rec.queues[subject] = queue

			return sub, nil
		}).AnyTimes()

	bus.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(subject string, data []byte) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()

			rec.published = append(rec.published, transport.Message{Subject: subject, Data: append([]byte(nil), data...)})

			return nil
		}).AnyTimes()

	return bus, rec
}

func (r *busRecorder) deliver(t *testing.T, subject string, data []byte) {
	t.Helper()

	r.mu.Lock()
	h, ok := r.handlers[subject]
	r.mu.Unlock()

	require.True(t, ok, "no handler for %s", subject)
	h(&transport.Message{Subject: subject, Data: data})
}

func (r *busRecorder) hasHandler(subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handlers[subject]

	return ok
}

func (r *busRecorder) messages(subject string) []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []transport.Message

	for _, m := range r.published {
		if m.Subject == subject {
			out = append(out, m)
		}
	}

	return out
}

func (r *busRecorder) resourceRequests() int {
	n := 0

	for _, m := range r.messages(transport.CommandSubject(testHost)) {
		if string(m.Data) == transport.CommandResources {
			n++
		}
	}

	return n
}

func mustResource(t *testing.T, typ, name string, value interface{}) models.Resource {
	t.Helper()

	r, err := models.NewResource(typ, name, value)
	require.NoError(t, err)

	return r
}

func encode(t *testing.T, r models.Resource) []byte {
	t.Helper()

	data, err := models.EncodeResource(&r)
	require.NoError(t, err)

	return data
}

func startTracker(t *testing.T, cfg Config, bus transport.Bus, reg *registry.Registry, opts ...Option) *Tracker {
	t.Helper()

	if cfg.Host == "" {
		cfg.Host = testHost
	}

	tr, err := New(cfg, bus, reg, logger.NewTestLogger(), opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	t.Cleanup(func() {
		tr.Stop()

		select {
		case <-tr.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("tracker %s did not stop", tr.Host())
		}
	})

	return tr
}

func fetch(t *testing.T, tr *Tracker) []models.Resource {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := tr.Fetch(ctx)
	require.NoError(t, err)

	return got
}

func TestSeededTrackerIsActiveWithoutRequest(t *testing.T) {
	bus, rec := newRecordingBus(t)
	reg := registry.New()

	seed := []models.Resource{
		mustResource(t, "service", "web", 80),
		mustResource(t, "capability", "gpu", true),
	}

	tr := startTracker(t, Config{Seed: seed}, bus, reg)

	assert.Equal(t, StateActive, tr.State())

	got := fetch(t, tr)
	require.Len(t, got, 2)
	assert.Equal(t, seed[1].Key(), got[0].Key())
	assert.Equal(t, seed[0].Key(), got[1].Key())

	assert.Zero(t, rec.resourceRequests())

	h, ok := reg.Lookup(testHost)
	require.True(t, ok)
	assert.Same(t, tr, h)
}

func TestUnseededTrackerRequestsOnceBeforeBroadcasts(t *testing.T) {
	bus, rec := newRecordingBus(t)

	tr := startTracker(t, Config{}, bus, registry.New())

	require.Equal(t, 1, rec.resourceRequests(), "request must be issued during start")
	assert.Empty(t, fetch(t, tr))

	rec.deliver(t, transport.BroadcastSubject(testHost), encode(t, mustResource(t, "service", "db", 5432)))

	got := fetch(t, tr)
	require.Len(t, got, 1)
	assert.Equal(t, "db", got[0].Name)
	assert.Equal(t, 1, rec.resourceRequests())
}

func TestSubscriptions(t *testing.T) {
	bus, rec := newRecordingBus(t)
	startTracker(t, Config{}, bus, registry.New())

	assert.True(t, rec.hasHandler(transport.BroadcastSubject(testHost)))
	require.True(t, rec.hasHandler(transport.CommandSubject(testHost)))

	rec.mu.Lock()
	queue := rec.queues[transport.CommandSubject(testHost)]
	rec.mu.Unlock()

	assert.Equal(t, transport.CommandSubject(testHost), queue)
}

func TestMirrorDoesNotConsumeCommands(t *testing.T) {
	bus, rec := newRecordingBus(t)
	startTracker(t, Config{Mirror: true}, bus, registry.New())

	assert.True(t, rec.hasHandler(transport.BroadcastSubject(testHost)))
	assert.False(t, rec.hasHandler(transport.CommandSubject(testHost)))
	assert.Equal(t, 1, rec.resourceRequests())
}

func TestBroadcastUpsertsByIdentity(t *testing.T) {
	bus, rec := newRecordingBus(t)
	tr := startTracker(t, Config{}, bus, registry.New())

	subject := transport.BroadcastSubject(testHost)
	rec.deliver(t, subject, encode(t, mustResource(t, "service", "web", 80)))
	rec.deliver(t, subject, encode(t, mustResource(t, "service", "web", 8080)))
	rec.deliver(t, subject, encode(t, mustResource(t, "capability", "web", "x")))

	got := fetch(t, tr)
	require.Len(t, got, 2)
	assert.Equal(t, "capability", got[0].Type)
	assert.JSONEq(t, `8080`, string(got[1].Value))
}

func TestMalformedBroadcastIsDropped(t *testing.T) {
	bus, rec := newRecordingBus(t)
	tr := startTracker(t, Config{}, bus, registry.New())

	before := testutil.ToFloat64(metrics.DecodeFailures)

	subject := transport.BroadcastSubject(testHost)
	rec.deliver(t, subject, []byte(`{"type":"service",`))
	rec.deliver(t, subject, []byte(`not json at all`))
	rec.deliver(t, subject, encode(t, mustResource(t, "service", "ok", 1)))

	got := fetch(t, tr)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Name)
	assert.Equal(t, StateActive, tr.State())
	assert.InDelta(t, before+2, testutil.ToFloat64(metrics.DecodeFailures), 0)
}

func TestResourcesCommandBroadcastsEachResource(t *testing.T) {
	bus, rec := newRecordingBus(t)

	seed := []models.Resource{
		mustResource(t, "service", "a", 1),
		mustResource(t, "service", "b", 2),
		mustResource(t, "capability", "c", 3),
	}
	tr := startTracker(t, Config{Seed: seed}, bus, registry.New())

	rec.deliver(t, transport.CommandSubject(testHost), []byte(transport.CommandResources))

	// Fetch is queued behind the command, so the broadcasts are done once it returns.
	fetch(t, tr)

	msgs := rec.messages(transport.BroadcastSubject(testHost))
	require.Len(t, msgs, len(seed))

	seen := make(map[models.ResourceKey]bool)

	for _, m := range msgs {
		r, err := models.DecodeResource(m.Data)
		require.NoError(t, err)

		seen[r.Key()] = true
	}

	for _, r := range seed {
		assert.True(t, seen[r.Key()], "missing %s", r.Key())
	}
}

func TestResourcesCommandWithEmptyCache(t *testing.T) {
	bus, rec := newRecordingBus(t)
	tr := startTracker(t, Config{}, bus, registry.New())

	rec.deliver(t, transport.CommandSubject(testHost), []byte("RESOURCES\n"))
	fetch(t, tr)

	assert.Empty(t, rec.messages(transport.BroadcastSubject(testHost)))
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	bus, rec := newRecordingBus(t)
	tr := startTracker(t, Config{Seed: []models.Resource{mustResource(t, "s", "n", 1)}}, bus, registry.New())

	before := testutil.ToFloat64(metrics.CommandsIgnored)

	rec.deliver(t, transport.CommandSubject(testHost), []byte("FLUSH"))

	assert.Len(t, fetch(t, tr), 1)
	assert.Empty(t, rec.messages(transport.BroadcastSubject(testHost)))
	assert.Equal(t, StateActive, tr.State())
	assert.InDelta(t, before+1, testutil.ToFloat64(metrics.CommandsIgnored), 0)
}

func TestLeaseExpiryClearsCacheAndRequestsOnce(t *testing.T) {
	bus, rec := newRecordingBus(t)

	tr := startTracker(t, Config{
		Lease:       500 * time.Millisecond,
		Granularity: time.Millisecond,
		Seed:        []models.Resource{mustResource(t, "service", "web", 80)},
	}, bus, registry.New())

	require.Zero(t, rec.resourceRequests())

	require.Eventually(t, func() bool {
		return rec.resourceRequests() >= 1
	}, 3*time.Second, 5*time.Millisecond)

	assert.Empty(t, fetch(t, tr), "cache must be empty right after expiry")
	assert.Equal(t, 1, rec.resourceRequests())

	rec.deliver(t, transport.BroadcastSubject(testHost), encode(t, mustResource(t, "service", "api", 443)))

	got := fetch(t, tr)
	require.Len(t, got, 1)
	assert.Equal(t, "api", got[0].Name)
}

func TestMessagesDoNotPostponeExpiry(t *testing.T) {
	bus, rec := newRecordingBus(t)

	tr := startTracker(t, Config{
		Lease:       300 * time.Millisecond,
		Granularity: time.Millisecond,
		Seed:        []models.Resource{mustResource(t, "service", "web", 80)},
	}, bus, registry.New())

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tr.Update()
			}
		}
	}()

	require.Eventually(t, func() bool {
		return rec.resourceRequests() >= 1
	}, 2*time.Second, 5*time.Millisecond, "a steady message stream must not postpone lease expiry")
}

func TestFetchDoesNotRenewLease(t *testing.T) {
	bus, rec := newRecordingBus(t)

	tr := startTracker(t, Config{
		Lease:       300 * time.Millisecond,
		Granularity: time.Millisecond,
		Seed:        []models.Resource{mustResource(t, "service", "web", 80)},
	}, bus, registry.New())

	deadline := time.Now().Add(2 * time.Second)
	for rec.resourceRequests() == 0 && time.Now().Before(deadline) {
		fetch(t, tr)
		time.Sleep(10 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, rec.resourceRequests(), 1)
}

func TestStopDeregistersAndReleasesSubscriptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := transport.NewMockBus(ctrl)
	sub := transport.NewMockSubscription(ctrl)
	reg := registry.New()

	bus.EXPECT().Subscribe(transport.BroadcastSubject(testHost), gomock.Any()).Return(sub, nil)
	bus.EXPECT().QueueSubscribe(transport.CommandSubject(testHost), transport.CommandSubject(testHost), gomock.Any()).Return(sub, nil)
	sub.EXPECT().Unsubscribe().Return(nil).Times(2)

	tr, err := New(Config{Host: testHost, Seed: []models.Resource{mustResource(t, "s", "n", 1)}}, bus, reg, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	tr.Stop()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop")
	}

	assert.NoError(t, tr.Err())
	assert.Equal(t, StateTerminating, tr.State())

	_, ok := reg.Lookup(testHost)
	assert.False(t, ok)

	_, err = tr.Fetch(context.Background())
	require.ErrorIs(t, err, ErrStopped)

	tr.Stop()
	tr.Update()
}

func TestContextCancellationTerminates(t *testing.T) {
	bus, _ := newRecordingBus(t)
	reg := registry.New()

	tr, err := New(Config{Host: testHost}, bus, reg, logger.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx))

	cancel()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop")
	}

	require.ErrorIs(t, tr.Err(), context.Canceled)
	assert.Zero(t, reg.Len())
}

func TestSecondTrackerForSameHostIsRejected(t *testing.T) {
	bus, _ := newRecordingBus(t)
	reg := registry.New()

	first := startTracker(t, Config{}, bus, reg)

	second, err := New(Config{Host: testHost}, bus, reg, logger.NewTestLogger())
	require.NoError(t, err)

	err = second.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	<-second.Done()

	h, ok := reg.Lookup(testHost)
	require.True(t, ok)
	assert.Same(t, first, h)
}

func TestSubscribeFailureRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := transport.NewMockBus(ctrl)
	sub := transport.NewMockSubscription(ctrl)
	reg := registry.New()

	boom := errors.New("broker unavailable")

	bus.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(sub, nil)
	bus.EXPECT().QueueSubscribe(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, boom)
	sub.EXPECT().Unsubscribe().Return(nil)

	tr, err := New(Config{Host: testHost}, bus, reg, logger.NewTestLogger())
	require.NoError(t, err)

	err = tr.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, reg.Len())

	<-tr.Done()
}

func TestPanicInHandlerTerminatesOnlyThatTracker(t *testing.T) {
	bus, _ := newRecordingBus(t)
	reg := registry.New()

	exited := make(chan error, 1)

	tr, err := New(Config{Host: testHost}, bus, reg, logger.NewTestLogger(),
		WithExitHook(func(_ *Tracker, err error) { exited <- err }))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	other := startTracker(t, Config{Host: "node-b"}, bus, reg)

	closed := make(chan []models.Resource)
	close(closed)
	tr.mailbox.Put(message{kind: msgFetch, reply: closed})

	select {
	case err := <-exited:
		require.ErrorIs(t, err, ErrPanic)
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not exit after panic")
	}

	_, ok := reg.Lookup(testHost)
	assert.False(t, ok)

	assert.Equal(t, StateActive, other.State())
	_, ok = reg.Lookup("node-b")
	assert.True(t, ok)
}

func TestPanicDuringExpiryTerminatesTracker(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := transport.NewMockBus(ctrl)
	sub := transport.NewMockSubscription(ctrl)

	bus.EXPECT().Subscribe(transport.BroadcastSubject(testHost), gomock.Any()).Return(sub, nil)
	bus.EXPECT().Publish(transport.CommandSubject(testHost), gomock.Any()).DoAndReturn(
		func(string, []byte) error { panic("connection torn down") })
	sub.EXPECT().Unsubscribe().Return(nil)

	reg := registry.New()
	exited := make(chan error, 1)

	tr, err := New(Config{
		Host:        testHost,
		Lease:       200 * time.Millisecond,
		Granularity: time.Millisecond,
		Seed:        []models.Resource{mustResource(t, "service", "web", 80)},
		Mirror:      true,
	}, bus, reg, logger.NewTestLogger(), WithExitHook(func(_ *Tracker, err error) { exited <- err }))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	select {
	case err := <-exited:
		require.ErrorIs(t, err, ErrPanic)
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not exit after panic at expiry")
	}

	_, ok := reg.Lookup(testHost)
	assert.False(t, ok)
}

func TestConfigValidation(t *testing.T) {
	bus, _ := newRecordingBus(t)

	_, err := New(Config{}, bus, registry.New(), logger.NewTestLogger())
	require.ErrorIs(t, err, errHostRequired)

	for _, host := range []string{"node.>", "node.*", "node a", "command_node-a", "hosts"} {
		_, err = New(Config{Host: host}, bus, registry.New(), logger.NewTestLogger())
		require.ErrorIs(t, err, transport.ErrInvalidHost, host)
	}

	_, err = New(Config{Host: "h", Lease: 10 * time.Millisecond}, bus, registry.New(), logger.NewTestLogger())
	require.ErrorIs(t, err, errLeaseTooShort)

	_, err = New(Config{Host: "h", Seed: []models.Resource{{Name: "x", Value: json.RawMessage(`1`)}}}, bus, registry.New(), logger.NewTestLogger())
	require.ErrorIs(t, err, errInvalidSeed)

	tr, err := New(Config{Host: "h"}, bus, registry.New(), logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultLease, tr.cfg.Lease)
	assert.Equal(t, StateStarting, tr.State())

	_, err = tr.Fetch(context.Background())
	require.ErrorIs(t, err, errNotStarted)
}

func TestStartTwice(t *testing.T) {
	bus, _ := newRecordingBus(t)
	tr := startTracker(t, Config{}, bus, registry.New())

	require.ErrorIs(t, tr.Start(context.Background()), errAlreadyStarted)
}
