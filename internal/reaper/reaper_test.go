package reaper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/deadletter"
	"github.com/podushkina/jobrelay/internal/queue"
	"github.com/podushkina/jobrelay/internal/reliability"
	"github.com/podushkina/jobrelay/internal/retry"
	"github.com/podushkina/jobrelay/internal/router"
	"github.com/podushkina/jobrelay/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) ActiveWorkers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockInspector) Claims(ctx context.Context) ([]queue.ClaimRecord, error) {
	args := m.Called(ctx)
	return args.Get(0).([]queue.ClaimRecord), args.Error(1)
}

func (m *mockInspector) Revoke(ctx context.Context, c queue.ClaimRecord) (*task.Task, error) {
	args := m.Called(ctx, c)
	t, _ := args.Get(0).(*task.Task)
	return t, args.Error(1)
}

func (m *mockInspector) ReleaseOrphans(ctx context.Context) ([]*task.Task, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*task.Task), args.Error(1)
}

func (m *mockInspector) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, name, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockInspector) Unlock(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

type mockSettler struct {
	mock.Mock
}

func (m *mockSettler) Fail(ctx context.Context, t *task.Task, workerID string, cause error) (reliability.Decision, error) {
	args := m.Called(ctx, t, workerID, cause)
	return args.Get(0).(reliability.Decision), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, tmpl bus.Template, subject, msgType string, payload any) (int64, error) {
	args := m.Called(ctx, tmpl, subject, msgType, payload)
	return args.Get(0).(int64), args.Error(1)
}

func TestSweep_NoActiveWorkersIsNoop(t *testing.T) {
	ins := new(mockInspector)
	settler := new(mockSettler)
	pub := new(mockPublisher)
	ins.On("ActiveWorkers", mock.Anything).Return([]string{}, nil)

	r := New(ins, settler, pub, Config{}, nil)
	rep, err := r.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	ins.AssertNotCalled(t, "Claims", mock.Anything)
	ins.AssertNotCalled(t, "ReleaseOrphans", mock.Anything)
	settler.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSweep_RevokesOnlyStaleClaims(t *testing.T) {
	ins := new(mockInspector)
	settler := new(mockSettler)
	pub := new(mockPublisher)

	now := time.Now()
	fresh := queue.ClaimRecord{TaskID: "fresh", Worker: "p1-0", Pool: "p1", StartedAt: now.Add(-time.Minute)}
	stale := queue.ClaimRecord{TaskID: "stale", Worker: "p1-1", Pool: "p1", StartedAt: now.Add(-10 * time.Minute)}
	staleTask := &task.Task{ID: "stale", MaxRetry: 3}

	ins.On("ActiveWorkers", mock.Anything).Return([]string{"p1-0", "p1-1"}, nil)
	ins.On("Claims", mock.Anything).Return([]queue.ClaimRecord{fresh, stale}, nil)
	ins.On("Revoke", mock.Anything, stale).Return(staleTask, nil)
	ins.On("ReleaseOrphans", mock.Anything).Return([]*task.Task{}, nil)
	pub.On("Publish", mock.Anything, bus.ChannelRevoke, "p1", bus.TypeRevoke, mock.MatchedBy(func(p bus.RevokePayload) bool {
		return p.TaskID == "stale" && p.Worker == "p1-1"
	})).Return(int64(1), nil)
	settler.On("Fail", mock.Anything, staleTask, "", reliability.ErrExecutionTimeout).
		Return(reliability.Decision{Outcome: reliability.OutcomeRetried, Delay: 30 * time.Second}, nil)

	r := New(ins, settler, pub, Config{Timeout: 5 * time.Minute}, nil)
	r.now = func() time.Time { return now }
	rep, err := r.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Report{ActiveWorkers: 2, Inspected: 2, Revoked: 1}, rep)
	ins.AssertNotCalled(t, "Revoke", mock.Anything, fresh)
	ins.AssertExpectations(t)
	pub.AssertExpectations(t)
	settler.AssertExpectations(t)
}

func TestSweep_AlreadyReleasedClaimIsSkipped(t *testing.T) {
	ins := new(mockInspector)
	settler := new(mockSettler)
	pub := new(mockPublisher)

	stale := queue.ClaimRecord{TaskID: "t1", Worker: "w", Pool: "p", StartedAt: time.Now().Add(-time.Hour)}
	ins.On("ActiveWorkers", mock.Anything).Return([]string{"w"}, nil)
	ins.On("Claims", mock.Anything).Return([]queue.ClaimRecord{stale}, nil)
	ins.On("Revoke", mock.Anything, stale).Return(nil, nil)
	ins.On("ReleaseOrphans", mock.Anything).Return([]*task.Task{}, nil)

	r := New(ins, settler, pub, Config{Timeout: time.Minute}, nil)
	rep, err := r.Sweep(context.Background())

	require.NoError(t, err)
	assert.Zero(t, rep.Revoked)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	settler.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSweep_SettlesOrphans(t *testing.T) {
	ins := new(mockInspector)
	settler := new(mockSettler)
	pub := new(mockPublisher)

	orphan := &task.Task{ID: "o1", MaxRetry: 3}
	ins.On("ActiveWorkers", mock.Anything).Return([]string{"w"}, nil)
	ins.On("Claims", mock.Anything).Return([]queue.ClaimRecord{}, nil)
	ins.On("ReleaseOrphans", mock.Anything).Return([]*task.Task{orphan}, nil)
	settler.On("Fail", mock.Anything, orphan, "", reliability.ErrWorkerLost).
		Return(reliability.Decision{Outcome: reliability.OutcomeRetried}, nil)

	r := New(ins, settler, pub, Config{}, nil)
	rep, err := r.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Orphaned)
	settler.AssertExpectations(t)
}

func TestSweep_PropagatesInspectorError(t *testing.T) {
	ins := new(mockInspector)
	ins.On("ActiveWorkers", mock.Anything).Return([]string(nil), errors.New("redis down"))

	r := New(ins, new(mockSettler), new(mockPublisher), Config{}, nil)
	_, err := r.Sweep(context.Background())

	assert.Error(t, err)
}

func TestTick_SkipsWhenLockHeld(t *testing.T) {
	ins := new(mockInspector)
	ins.On("TryLock", mock.Anything, lockName, time.Minute).Return(false, nil)

	r := New(ins, new(mockSettler), new(mockPublisher), Config{Interval: time.Minute}, nil)
	r.tick(context.Background())

	ins.AssertNotCalled(t, "ActiveWorkers", mock.Anything)
	ins.AssertNotCalled(t, "Unlock", mock.Anything, mock.Anything)
}

type blockingInspector struct {
	mockInspector
	entered chan struct{}
	release chan struct{}
	sweeps  atomic.Int32
}

func (b *blockingInspector) ActiveWorkers(ctx context.Context) ([]string, error) {
	b.sweeps.Add(1)
	b.entered <- struct{}{}
	<-b.release
	return nil, nil
}

func TestTick_SingleFlightInProcess(t *testing.T) {
	ins := &blockingInspector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	ins.On("TryLock", mock.Anything, lockName, time.Minute).Return(true, nil)
	ins.On("Unlock", mock.Anything, lockName).Return(nil)

	r := New(ins, new(mockSettler), new(mockPublisher), Config{Interval: time.Minute}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.tick(context.Background())
	}()
	<-ins.entered

	r.tick(context.Background())
	close(ins.release)
	wg.Wait()

	assert.Equal(t, int32(1), ins.sweeps.Load())
	ins.AssertNumberOfCalls(t, "TryLock", 1)
	ins.AssertNumberOfCalls(t, "Unlock", 1)
}

func TestSweep_EndToEnd(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rt, err := router.New(router.DefaultRules(), router.QueueDefault)
	require.NoError(t, err)

	now := time.Now()
	clock := func() time.Time { return now }
	q := queue.New(client, rt, queue.WithClock(clock))
	b := bus.New(client, queue.DefaultPrefix, nil)
	sink := deadletter.New(client, queue.DefaultPrefix, 0, nil)
	settler := reliability.NewSettler(q, retry.DefaultPolicy(), nil, sink)
	ctx := context.Background()

	rp := New(q, settler, b, Config{Timeout: 300 * time.Second}, nil)
	rp.now = clock

	rep, err := rp.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep, "no workers registered")

	claimer := queue.Claimer{Worker: "pool-1-0", Pool: "pool-1"}
	require.NoError(t, q.Register(ctx, claimer.Worker, router.QueueAgents, time.Hour))
	created, err := q.Enqueue(ctx, task.AgentRunPayload{UserID: uuid.New().String(), AgentID: "a1"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, router.QueueAgents, claimer, time.Second)
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, bus.ChannelRevoke, claimer.Pool)
	require.NoError(t, err)
	defer sub.Close()

	rep, err = rp.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Revoked, "claim is still young")

	now = now.Add(301 * time.Second)
	rep, err = rp.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Revoked)

	select {
	case msg := <-sub.C():
		assert.Equal(t, bus.TypeRevoke, msg.Type)
		assert.Contains(t, string(msg.Payload), created.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no revoke notice")
	}

	stored, err := q.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Retries)
	assert.Equal(t, reliability.ErrExecutionTimeout.Error(), stored.Error)

	claims, err := q.Claims(ctx)
	require.NoError(t, err)
	assert.Empty(t, claims)

	err = q.Ack(ctx, created, claimer.Worker, nil)
	assert.ErrorIs(t, err, queue.ErrClaimLost, "late ack from the revoked worker is discarded")
}
