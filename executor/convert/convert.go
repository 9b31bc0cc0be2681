// Package convert packs encoded game states into flat inference tensors.
package convert

import (
	"fmt"
	"sync"

	"github.com/chewxy/math32"
)

// pools holds one sync.Pool per buffer length.
var pools sync.Map

func poolFor(size int) *sync.Pool {
	if p, ok := pools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(size, &sync.Pool{
		New: func() interface{} {
			b := make([]float32, size)
			return &b
		},
	})
	return p.(*sync.Pool)
}

// GetFloatBuffer returns a zeroed buffer of exactly size floats.
func GetFloatBuffer(size int) *[]float32 {
	b := poolFor(size).Get().(*[]float32)
	clear(*b)
	return b
}

func PutFloatBuffer(b *[]float32) {
	poolFor(len(*b)).Put(b)
}

// Pack copies a batch of encoded states into one pooled [batch, inputSize]
// buffer. Caller must return it to the pool using PutFloatBuffer.
func Pack(batch [][]float32, inputSize int) (*[]float32, error) {
	ptr := GetFloatBuffer(len(batch) * inputSize)
	data := *ptr
	for i, row := range batch {
		if len(row) != inputSize {
			PutFloatBuffer(ptr)
			return nil, fmt.Errorf("state %d has %d features, expected %d", i, len(row), inputSize)
		}
		copy(data[i*inputSize:], row)
	}
	return ptr, nil
}

// Unpack splits a flat [rows, width] tensor into freshly allocated rows.
func Unpack(flat []float32, rows, width int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, width)
		copy(out[i], flat[i*width:(i+1)*width])
	}
	return out
}

// Softmax turns logits into a distribution in place.
func Softmax(logits []float32) {
	if len(logits) == 0 {
		return
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float32
	for i, l := range logits {
		logits[i] = math32.Exp(l - maxLogit)
		sum += logits[i]
	}
	for i := range logits {
		logits[i] /= sum
	}
}

// InputSize is the product of a state shape.
func InputSize(shape []int64) int {
	size := 1
	for _, d := range shape {
		size *= int(d)
	}
	return size
}
