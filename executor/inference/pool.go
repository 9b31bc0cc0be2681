package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrPoolClosed is returned once every client of a pool is closed.
var ErrPoolClosed = errors.New("onnx pool has no open clients")

// OnnxPool fans out Infer calls across multiple OnnxClient instances. Each
// client has its own batching loop and ORT session. A call goes to the open
// client with the shortest queue, ties broken round-robin.
type OnnxPool struct {
	clients []*OnnxClient
	rr      atomic.Uint64
}

func NewOnnxPool(modelPath string, sessions int, cfg OnnxClientConfig) (*OnnxPool, error) {
	if sessions <= 0 {
		sessions = 1
	}

	clients := make([]*OnnxClient, 0, sessions)
	for i := 0; i < sessions; i++ {
		c, err := NewOnnxClient(modelPath, cfg)
		if err != nil {
			for _, created := range clients {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create onnx client %d/%d: %w", i+1, sessions, err)
		}
		clients = append(clients, c)
	}

	return &OnnxPool{clients: clients}, nil
}

// pick returns the open client with the fewest queued states, or nil.
func (p *OnnxPool) pick() *OnnxClient {
	n := len(p.clients)
	if n == 0 {
		return nil
	}
	start := int(p.rr.Add(1)-1) % n
	var best *OnnxClient
	for i := 0; i < n; i++ {
		c := p.clients[(start+i)%n]
		if c.closed.Load() {
			continue
		}
		if best == nil || len(c.requestsChan) < len(best.requestsChan) {
			best = c
		}
	}
	return best
}

// Infer retries on another client when the chosen one closes underneath it.
func (p *OnnxPool) Infer(ctx context.Context, batch [][]float32) ([][]float32, []float32, error) {
	for range p.clients {
		c := p.pick()
		if c == nil {
			break
		}
		priors, values, err := c.Infer(ctx, batch)
		if errors.Is(err, ErrClientClosed) {
			continue
		}
		return priors, values, err
	}
	return nil, nil, ErrPoolClosed
}

// ClientStats lists the stats of every client in pool order.
func (p *OnnxPool) ClientStats() []RuntimeStats {
	out := make([]RuntimeStats, len(p.clients))
	for i, c := range p.clients {
		out[i] = c.Stats()
	}
	return out
}

// Stats merges ClientStats. LastBatchSize is the largest of the clients'.
func (p *OnnxPool) Stats() RuntimeStats {
	var total RuntimeStats
	for _, st := range p.ClientStats() {
		total.TotalBatches += st.TotalBatches
		total.TotalItems += st.TotalItems
		total.TotalRunNanos += st.TotalRunNanos
		total.QueueLen += st.QueueLen
		total.LastBatchSize = max(total.LastBatchSize, st.LastBatchSize)
	}
	if total.TotalBatches > 0 {
		total.AvgBatchSize = float64(total.TotalItems) / float64(total.TotalBatches)
		total.AvgRunMs = (float64(total.TotalRunNanos) / 1e6) / float64(total.TotalBatches)
	}
	return total
}

func (p *OnnxPool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
