package inference

// Path is where the inference websocket is served.
const Path = "/api/inference"

// Request asks for priors and values of a batch of encoded states. Model is
// the content hash of the model the caller expects to be evaluated by; the
// empty hash is the fresh model.
type Request struct {
	ID     uint64      `json:"id"`
	Model  string      `json:"model"`
	States [][]float32 `json:"states"`
}

// Response answers the Request with the same ID. Model is the hash the server
// is running. Error is set instead of Priors and Values when inference failed
// or the server does not run the requested model.
type Response struct {
	ID     uint64      `json:"id"`
	Model  string      `json:"model"`
	Priors [][]float32 `json:"priors,omitempty"`
	Values []float32   `json:"values,omitempty"`
	Error  string      `json:"error,omitempty"`
}
