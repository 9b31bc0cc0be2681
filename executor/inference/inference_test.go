package inference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUniform(t *testing.T) {
	u := NewUniform(4, 2)
	priors, values, err := u.Infer(context.Background(), [][]float32{{0, 1}, {1, 0}})
	require.NoError(t, err)
	require.Len(t, priors, 2)
	require.Equal(t, []float32{0.25, 0.25, 0.25, 0.25}, priors[1])
	require.Equal(t, []float32{0, 0}, values)

	_, _, err = u.Infer(context.Background(), [][]float32{{1}})
	require.Error(t, err)
}

type failingEvaluator struct{}

func (failingEvaluator) Infer(context.Context, [][]float32) ([][]float32, []float32, error) {
	return nil, nil, errors.New("boom")
}

type slowEvaluator struct{}

func (slowEvaluator) Infer(ctx context.Context, batch [][]float32) ([][]float32, []float32, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func TestInstrumented(t *testing.T) {
	c := NewInstrumented(NewUniform(3, 0))
	_, _, err := c.Infer(context.Background(), make([][]float32, 5))
	require.NoError(t, err)
	require.EqualValues(t, 1, c.Calls.Load())
	require.EqualValues(t, 5, c.States.Load())
	require.Zero(t, c.Failures.Load())
	_, ok := c.Stats()
	require.False(t, ok)

	f := NewInstrumented(failingEvaluator{})
	_, _, err = f.Infer(context.Background(), make([][]float32, 1))
	require.Error(t, err)
	require.EqualValues(t, 1, f.Failures.Load())
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + Path
}

func TestRemoteRoundTrip(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewUniform(7, 3), time.Second).Handler())
	defer srv.Close()

	remote := NewRemote(wsURL(srv), "")
	defer remote.Close()

	for i := 0; i < 3; i++ {
		priors, values, err := remote.Infer(context.Background(), [][]float32{{1, 0, 0}, {0, 1, 0}})
		require.NoError(t, err)
		require.Len(t, priors, 2)
		require.Len(t, priors[0], 7)
		require.InDelta(t, 1.0/7, priors[0][3], 1e-6)
		require.Equal(t, []float32{0, 0}, values)
	}
}

func TestRemoteSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(NewServer(failingEvaluator{}, time.Second).Handler())
	defer srv.Close()

	remote := NewRemote(wsURL(srv), "")
	defer remote.Close()

	_, _, err := remote.Infer(context.Background(), [][]float32{{1}})
	require.ErrorContains(t, err, "boom")
}

func TestRemoteHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(NewServer(slowEvaluator{}, 0).Handler())
	defer srv.Close()

	remote := NewRemote(wsURL(srv), "")
	defer remote.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := remote.Infer(ctx, [][]float32{{1}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteDialFailure(t *testing.T) {
	remote := NewRemote("ws://127.0.0.1:1"+Path, "")
	_, _, err := remote.Infer(context.Background(), [][]float32{{1}})
	require.Error(t, err)
}

func TestRemoteAfterClose(t *testing.T) {
	remote := NewRemote("ws://127.0.0.1:1"+Path, "")
	require.NoError(t, remote.Close())
	_, _, err := remote.Infer(context.Background(), [][]float32{{1}})
	require.ErrorIs(t, err, errRemoteClosed)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewUniform(7, 0), 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSwappable(t *testing.T) {
	s := NewSwappable(NewUniform(2, 0), "")
	priors, _, err := s.Infer(context.Background(), [][]float32{{0}})
	require.NoError(t, err)
	require.Len(t, priors[0], 2)
	require.Empty(t, s.Model())

	old := s.Swap(NewUniform(5, 0), "aaaa")
	require.NotNil(t, old)
	priors, _, err = s.Infer(context.Background(), [][]float32{{0}})
	require.NoError(t, err)
	require.Len(t, priors[0], 5)
	_, model := s.Snapshot()
	require.Equal(t, "aaaa", model)
}

func TestRemoteRefusesOtherModel(t *testing.T) {
	served := NewSwappable(NewUniform(3, 0), "champion-hash")
	srv := httptest.NewServer(NewServer(served, time.Second).Handler())
	defer srv.Close()

	challenger := NewRemote(wsURL(srv), "challenger-hash")
	defer challenger.Close()
	_, _, err := challenger.Infer(context.Background(), [][]float32{{1}})
	require.ErrorIs(t, err, ErrModelMismatch)

	fresh := NewRemote(wsURL(srv), "")
	defer fresh.Close()
	_, _, err = fresh.Infer(context.Background(), [][]float32{{1}})
	require.ErrorIs(t, err, ErrModelMismatch)

	champion := NewRemote(wsURL(srv), "champion-hash")
	defer champion.Close()
	priors, _, err := champion.Infer(context.Background(), [][]float32{{1}})
	require.NoError(t, err)
	require.Len(t, priors[0], 3)

	// After a swap the old pin is refused and the new one served.
	served.Swap(NewUniform(3, 0), "next-hash")
	_, _, err = champion.Infer(context.Background(), [][]float32{{1}})
	require.ErrorIs(t, err, ErrModelMismatch)
}

// queuedClient is a session-less client with queued pending requests.
func queuedClient(queued int) *OnnxClient {
	c := &OnnxClient{requestsChan: make(chan inferenceRequest, 8), done: make(chan struct{})}
	for i := 0; i < queued; i++ {
		c.requestsChan <- inferenceRequest{}
	}
	return c
}

func TestPoolPicksShortestOpenQueue(t *testing.T) {
	busy, idle, closed := queuedClient(5), queuedClient(1), queuedClient(0)
	closed.closed.Store(true)
	p := &OnnxPool{clients: []*OnnxClient{busy, closed, idle}}
	for i := 0; i < 6; i++ {
		require.Same(t, idle, p.pick(), "call %d", i)
	}

	idle.closed.Store(true)
	require.Same(t, busy, p.pick())

	busy.closed.Store(true)
	require.Nil(t, p.pick())
	_, _, err := p.Infer(context.Background(), [][]float32{{0}})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolSpreadsEvenQueues(t *testing.T) {
	a, b := queuedClient(0), queuedClient(0)
	p := &OnnxPool{clients: []*OnnxClient{a, b}}
	require.Same(t, a, p.pick())
	require.Same(t, b, p.pick())
	require.Same(t, a, p.pick())
}

func TestPoolStats(t *testing.T) {
	a, b := queuedClient(2), queuedClient(3)
	a.totalBatches.Store(2)
	a.totalItems.Store(10)
	a.lastBatchSize.Store(4)
	b.totalBatches.Store(2)
	b.totalItems.Store(2)
	b.lastBatchSize.Store(1)
	p := &OnnxPool{clients: []*OnnxClient{a, b}}

	per := p.ClientStats()
	require.Len(t, per, 2)
	require.Equal(t, 2, per[0].QueueLen)
	require.Equal(t, 5.0, per[0].AvgBatchSize)
	require.Equal(t, 1.0, per[1].AvgBatchSize)

	total := p.Stats()
	require.EqualValues(t, 4, total.TotalBatches)
	require.EqualValues(t, 12, total.TotalItems)
	require.EqualValues(t, 4, total.LastBatchSize)
	require.Equal(t, 5, total.QueueLen)
	require.Equal(t, 3.0, total.AvgBatchSize)
}
