package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/jobrelay/internal/auth"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/deadletter"
	"github.com/podushkina/jobrelay/internal/events"
	"github.com/podushkina/jobrelay/internal/gateway"
	"github.com/podushkina/jobrelay/internal/queue"
	"github.com/podushkina/jobrelay/internal/router"
	"github.com/podushkina/jobrelay/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testServiceToken = "service-token-0123456789"
	testSecret       = "thisisasecretkeythatis32charslong!!"
	user1            = "3f1b6a52-8f1e-4a3c-9c0e-6a3f0b1d2c4e"
	user2            = "9b2d7c13-4e5f-4a6b-8c7d-1e2f3a4b5c6d"
)

type testEnv struct {
	mr       *miniredis.Miniredis
	queue    *queue.Queue
	sink     *deadletter.Sink
	bus      *bus.Bus
	notifier *events.Notifier
	verifier *auth.Verifier
	router   http.Handler
}

func setupTest(t *testing.T) *testEnv {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rt, err := router.New(router.DefaultRules(), router.QueueDefault)
	require.NoError(t, err)

	q := queue.New(client, rt)
	sink := deadletter.New(client, queue.DefaultPrefix, 0, nil)
	b := bus.New(client, queue.DefaultPrefix, nil)
	store := events.NewRedisStore(client, queue.DefaultPrefix)
	v, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	h := NewHandler(q, sink, b, nil, nil)
	gw := gateway.New(v, b, store, gateway.Config{}, nil)

	return &testEnv{
		mr:       mr,
		queue:    q,
		sink:     sink,
		bus:      b,
		notifier: events.NewNotifier(store, b, nil),
		verifier: v,
		router:   NewRouter(h, Routes{Gateway: gw, Verifier: v, ServiceToken: testServiceToken}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testServiceToken)

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestHealthCheck(t *testing.T) {
	env := setupTest(t)

	req, _ := http.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestCreateTask(t *testing.T) {
	env := setupTest(t)

	rr := env.do(t, "POST", "/tasks", map[string]any{
		"name":      "agent_run",
		"payload":   map[string]string{"user_id": user1, "agent_id": "a1"},
		"max_retry": 1,
	})

	assert.Equal(t, http.StatusCreated, rr.Code)

	var response task.Task
	err := json.Unmarshal(rr.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.NotEmpty(t, response.ID)
	assert.Equal(t, task.NameAgentRun, response.Name)
	assert.Equal(t, router.QueueAgents, response.Queue)
	assert.Equal(t, user1, response.Subject)
	assert.Equal(t, 1, response.MaxRetry)
}

func TestCreateTask_Invalid(t *testing.T) {
	env := setupTest(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing name", map[string]any{"payload": map[string]string{}}},
		{"unknown name", map[string]any{"name": "mine_bitcoin", "payload": map[string]string{}}},
		{"schema violation", map[string]any{"name": "agent_run", "payload": map[string]string{"agent_id": "a1"}}},
		{"negative max_retry", map[string]any{"name": "agent_run", "payload": map[string]string{"user_id": user1, "agent_id": "a1"}, "max_retry": -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestServiceRoutesRequireToken(t *testing.T) {
	env := setupTest(t)

	req, _ := http.NewRequest("GET", "/tasks", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req, _ = http.NewRequest("GET", "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	env := setupTest(t)

	rr := env.do(t, "GET", "/tasks/non-existent-id", nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetTask_Success(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	tsk, err := env.queue.Enqueue(ctx, task.ScrapePayload{UserID: user1, Source: "greenhouse", Query: "golang"})
	require.NoError(t, err)

	rr := env.do(t, "GET", "/tasks/"+tsk.ID, nil)

	assert.Equal(t, http.StatusOK, rr.Code)

	var response task.Task
	json.Unmarshal(rr.Body.Bytes(), &response)
	assert.Equal(t, tsk.ID, response.ID)
	assert.Equal(t, router.QueueScraping, response.Queue)
}

func TestListTasks(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.queue.Enqueue(ctx, task.AgentRunPayload{UserID: user1, AgentID: "a1"})
	env.queue.Enqueue(ctx, task.BriefingPayload{UserID: user2, Date: "2026-10-18"})

	rr := env.do(t, "GET", "/tasks", nil)

	assert.Equal(t, http.StatusOK, rr.Code)

	var tasks []task.Task
	err := json.Unmarshal(rr.Body.Bytes(), &tasks)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestDeleteTask(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	tsk, _ := env.queue.Enqueue(ctx, task.AgentRunPayload{UserID: user1, AgentID: "a1"})

	rr := env.do(t, "DELETE", "/tasks/"+tsk.ID, nil)

	assert.Equal(t, http.StatusNoContent, rr.Code)

	found, _ := env.queue.Get(ctx, tsk.ID)
	assert.Nil(t, found)

	rr = env.do(t, "DELETE", "/tasks/"+tsk.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPauseAndResumeAgent(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	sub, err := env.bus.Subscribe(ctx, bus.ChannelPause, user1)
	require.NoError(t, err)
	defer sub.Close()

	rr := env.do(t, "POST", "/agents/"+user1+"/pause", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp ControlResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Paused)
	assert.Equal(t, int64(1), resp.Subscribers)

	select {
	case msg := <-sub.C():
		assert.Equal(t, "pause", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("pause notification not delivered")
	}

	paused, err := env.queue.IsPaused(ctx, user1)
	require.NoError(t, err)
	assert.True(t, paused)

	rr = env.do(t, "POST", "/agents/"+user1+"/resume", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	paused, err = env.queue.IsPaused(ctx, user1)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestDeadLetters(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tsk := &task.Task{ID: "t" + string(rune('a'+i)), Name: task.NameScrapeJobs, Queue: router.QueueScraping}
		require.NoError(t, env.sink.HandleTerminal(ctx, tsk, errors.New("source gone")))
	}
	require.NoError(t, env.sink.HandleTerminal(ctx, &task.Task{ID: "b1", Name: task.NameBriefingGenerate, Queue: router.QueueBriefings}, errors.New("boom")))

	rr := env.do(t, "GET", "/admin/dlq", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var all DeadLetterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Equal(t, int64(4), all.Total)
	require.Len(t, all.Queues, 2)
	assert.Equal(t, router.QueueBriefings, all.Queues[0].Queue)
	assert.Equal(t, router.QueueScraping, all.Queues[1].Queue)

	rr = env.do(t, "GET", "/admin/dlq?queue=scraping&limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var one DeadLetterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &one))
	require.Len(t, one.Queues, 1)
	assert.Equal(t, int64(3), one.Queues[0].Total)
	assert.Len(t, one.Queues[0].Entries, 2)
	assert.Equal(t, "tc", one.Queues[0].Entries[0].TaskID, "most recent first")

	rr = env.do(t, "GET", "/admin/dlq?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "DELETE", "/admin/dlq/scraping", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queue":"scraping","purged":3}`, rr.Body.String())

	entries, total, err := env.sink.List(ctx, router.QueueScraping, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, entries)
}

func TestStats(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.queue.Enqueue(ctx, task.AgentRunPayload{UserID: user1, AgentID: "a1"})
	env.queue.Enqueue(ctx, task.AgentRunPayload{UserID: user1, AgentID: "a2"})

	rr := env.do(t, "GET", "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Zero(t, stats.ActiveWorkers)
	assert.Empty(t, stats.Pools)

	depths := make(map[string]int64)
	for _, d := range stats.Queues {
		depths[d.Queue] = d.Ready
	}
	assert.Equal(t, int64(2), depths[router.QueueAgents])
	assert.Equal(t, int64(0), depths[router.QueueScraping])
}

func TestEventsReplayRequiresBearer(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	_, err := env.notifier.Notify(ctx, user1, events.TypeBriefingReady, map[string]string{"briefing_id": "b1"})
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "/events", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := env.verifier.Issue(user1, time.Hour)
	require.NoError(t, err)

	req, _ = http.NewRequest("GET", "/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp gateway.ReplayResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TypeBriefingReady, resp.Events[0].Type)
}
