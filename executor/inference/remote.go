package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errRemoteClosed = errors.New("remote evaluator closed")

// ErrModelMismatch is returned when the server runs a different model than
// the one the Remote was created for.
var ErrModelMismatch = errors.New("inference server runs a different model")

// Remote evaluates states on an inference server over one websocket. Calls
// are multiplexed by request id; the connection is redialled lazily after a
// failure. Every request names the model it wants, and the server refuses
// requests for a model it does not run.
type Remote struct {
	url    string
	model  string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan Response
	writeMu sync.Mutex
	nextID  atomic.Uint64
	closed  bool
}

// NewRemote does not dial; the first Infer does. url is a ws:// or wss:// URL
// including the inference path. model is the content hash to evaluate with,
// empty for the fresh model.
func NewRemote(url, model string) *Remote {
	return &Remote{
		url:     url,
		model:   model,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		pending: make(map[uint64]chan Response),
	}
}

func (r *Remote) Infer(ctx context.Context, batch [][]float32) ([][]float32, []float32, error) {
	conn, err := r.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	id := r.nextID.Add(1)
	ch := make(chan Response, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	r.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	err = conn.WriteJSON(Request{ID: id, Model: r.model, States: batch})
	r.writeMu.Unlock()
	if err != nil {
		r.drop(conn, err)
		return nil, nil, fmt.Errorf("send inference request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, nil, fmt.Errorf("inference connection lost")
		}
		if resp.Model != r.model {
			return nil, nil, fmt.Errorf("%w: wanted %s, server has %s", ErrModelMismatch, shortModel(r.model), shortModel(resp.Model))
		}
		if resp.Error != "" {
			return nil, nil, fmt.Errorf("remote inference: %s", resp.Error)
		}
		return resp.Priors, resp.Values, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (r *Remote) connect(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRemoteClosed
	}
	if r.conn != nil {
		return r.conn, nil
	}
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.url, err)
	}
	r.conn = conn
	go r.readLoop(conn)
	return conn, nil
}

func (r *Remote) readLoop(conn *websocket.Conn) {
	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			r.drop(conn, err)
			return
		}
		r.mu.Lock()
		if ch, ok := r.pending[resp.ID]; ok {
			ch <- resp
			delete(r.pending, resp.ID)
		}
		r.mu.Unlock()
	}
}

// drop forgets conn and fails every call waiting on it.
func (r *Remote) drop(conn *websocket.Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return
	}
	if !r.closed {
		log.Warn().Err(err).Str("url", r.url).Msg("inference connection dropped")
	}
	_ = conn.Close()
	r.conn = nil
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	r.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	r.drop(conn, errRemoteClosed)
	return nil
}
