package model

import (
	"io"

	"github.com/brensch/zerotrain/executor/convert"
	"github.com/brensch/zerotrain/executor/inference"
	"github.com/brensch/zerotrain/executor/mcts"
)

// Loader turns a record into a ready evaluator. A fresh record must load as
// the uniform model.
type Loader interface {
	Load(rec Record) (mcts.Evaluator, error)
}

// OnnxLoader loads records as ONNX Runtime pools.
type OnnxLoader struct {
	Config   inference.OnnxClientConfig
	Sessions int
}

func (l OnnxLoader) Load(rec Record) (mcts.Evaluator, error) {
	if rec.Fresh {
		return inference.NewUniform(l.Config.ActionSpace, convert.InputSize(l.Config.StateShape)), nil
	}
	return inference.NewOnnxPool(rec.ArtifactPath(), l.Sessions, l.Config)
}

// UniformLoader loads every record as the uniform model. It backs tests and
// dry runs without an ONNX runtime.
type UniformLoader struct {
	ActionSpace int
}

func (l UniformLoader) Load(Record) (mcts.Evaluator, error) {
	return inference.NewUniform(l.ActionSpace, 0), nil
}

// Release closes an evaluator that holds resources.
func Release(eval mcts.Evaluator) {
	if c, ok := eval.(io.Closer); ok {
		_ = c.Close()
	}
}

// RemoteLoader evaluates records on an inference server. The evaluator is
// pinned to the record's hash: calls fail with inference.ErrModelMismatch
// while the server runs any other model.
type RemoteLoader struct {
	URL string
}

func (l RemoteLoader) Load(rec Record) (mcts.Evaluator, error) {
	return inference.NewRemote(l.URL, rec.Hash), nil
}
