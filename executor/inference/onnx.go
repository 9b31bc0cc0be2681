package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/zerotrain/executor/convert"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultBatchSize    = 128
	DefaultBatchTimeout = 1 * time.Millisecond
)

type OnnxClientConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	// StateShape is the per-state input shape, without the batch dimension.
	StateShape  []int64
	ActionSpace int
	// Logits applies a softmax to the policy head output.
	Logits bool
	// CUDA appends the CUDA execution provider when it is available.
	CUDA bool
}

type inferenceRequest struct {
	input    []float32
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	policy []float32
	value  float32
	err    error
}

// ErrClientClosed is returned by Infer on a closed client.
var ErrClientClosed = errors.New("onnx client closed")

// RuntimeStats summarises batching behaviour of a client or pool.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int
	AvgBatchSize  float64
	AvgRunMs      float64
}

// OnnxClient implements the evaluator using ONNX Runtime with batching. Every
// Infer call is split into per-state requests which the batch loop groups
// into session runs.
type OnnxClient struct {
	session      *ort.DynamicAdvancedSession
	requestsChan chan inferenceRequest
	cfg          OnnxClientConfig
	inputSize    int
	done         chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool

	totalBatches  atomic.Int64
	totalItems    atomic.Int64
	totalRunNanos atomic.Int64
	lastBatchSize atomic.Int64
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxClient(modelPath string, cfg OnnxClientConfig) (*OnnxClient, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if len(cfg.StateShape) == 0 || cfg.ActionSpace <= 0 {
		return nil, fmt.Errorf("onnx client needs a state shape and action space")
	}

	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
				"libonnxruntime.so.1.23.2",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	inputs := []string{"input"}
	outputs := []string{"policy", "value"}

	// Many sessions run side by side; keep each one single threaded.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if cfg.CUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				log.Warn().Err(err).Msg("failed to append CUDA provider")
			} else {
				log.Info().Msg("CUDA provider enabled")
			}
		} else {
			log.Warn().Err(err).Msg("failed to create CUDA options")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	client := &OnnxClient{
		session:      session,
		cfg:          cfg,
		inputSize:    convert.InputSize(cfg.StateShape),
		requestsChan: make(chan inferenceRequest, cfg.BatchSize*2),
		done:         make(chan struct{}),
	}

	go client.batchLoop()

	return client, nil
}

func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	// CUDA and Torch shared libraries installed via pip inside the project's .venv.
	candidateDirs := []string{cwd}

	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "torch", "lib"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p == "" {
			continue
		}
		existingSet[p] = true
	}

	toAdd := make([]string, 0, len(candidateDirs))
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

func (c *OnnxClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.session.Destroy()
	})
	return err
}

func (c *OnnxClient) Stats() RuntimeStats {
	batches := c.totalBatches.Load()
	items := c.totalItems.Load()
	runNanos := c.totalRunNanos.Load()
	st := RuntimeStats{
		TotalBatches:  batches,
		TotalItems:    items,
		TotalRunNanos: runNanos,
		LastBatchSize: c.lastBatchSize.Load(),
		QueueLen:      len(c.requestsChan),
	}
	if batches > 0 {
		st.AvgBatchSize = float64(items) / float64(batches)
		st.AvgRunMs = (float64(runNanos) / 1e6) / float64(batches)
	}
	return st
}

// Infer queues every state of batch and waits for all answers or ctx.
func (c *OnnxClient) Infer(ctx context.Context, batch [][]float32) ([][]float32, []float32, error) {
	chans := make([]chan inferenceResponse, len(batch))
	for i, state := range batch {
		if len(state) != c.inputSize {
			return nil, nil, fmt.Errorf("state %d has %d features, model expects %d", i, len(state), c.inputSize)
		}
		chans[i] = make(chan inferenceResponse, 1)
		select {
		case c.requestsChan <- inferenceRequest{input: state, respChan: chans[i]}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-c.done:
			return nil, nil, ErrClientClosed
		}
	}

	priors := make([][]float32, len(batch))
	values := make([]float32, len(batch))
	for i, ch := range chans {
		select {
		case resp := <-ch:
			if resp.err != nil {
				return nil, nil, resp.err
			}
			priors[i] = resp.policy
			values[i] = resp.value
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return priors, values, nil
}

func (c *OnnxClient) batchLoop() {
	requests := make([]inferenceRequest, 0, c.cfg.BatchSize)

	ticker := time.NewTicker(c.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.failBatch(requests, fmt.Errorf("onnx client closed"))
			return
		case req := <-c.requestsChan:
			requests = append(requests, req)
			if len(requests) >= c.cfg.BatchSize {
				c.runBatch(requests)
				requests = requests[:0]
			}
		case <-ticker.C:
			if len(requests) > 0 {
				c.runBatch(requests)
				requests = requests[:0]
			}
		}
	}
}

func (c *OnnxClient) runBatch(requests []inferenceRequest) {
	start := time.Now()
	currentBatchSize := int64(len(requests))

	batch := make([][]float32, len(requests))
	for i, req := range requests {
		batch[i] = req.input
	}
	inputPtr, err := convert.Pack(batch, c.inputSize)
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer convert.PutFloatBuffer(inputPtr)

	inputShape := append([]int64{currentBatchSize}, c.cfg.StateShape...)
	inputTensor, err := ort.NewTensor(ort.NewShape(inputShape...), *inputPtr)
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer inputTensor.Destroy()

	actions := int64(c.cfg.ActionSpace)
	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(currentBatchSize, actions))
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(currentBatchSize, 1))
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer valueTensor.Destroy()

	err = c.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor})
	if err != nil {
		c.failBatch(requests, err)
		return
	}

	policies := convert.Unpack(policyTensor.GetData(), len(requests), c.cfg.ActionSpace)
	valueData := valueTensor.GetData()

	for i, req := range requests {
		if c.cfg.Logits {
			convert.Softmax(policies[i])
		}
		req.respChan <- inferenceResponse{policy: policies[i], value: valueData[i]}
	}

	c.totalBatches.Add(1)
	c.totalItems.Add(currentBatchSize)
	c.totalRunNanos.Add(time.Since(start).Nanoseconds())
	c.lastBatchSize.Store(currentBatchSize)
}

func (c *OnnxClient) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}
