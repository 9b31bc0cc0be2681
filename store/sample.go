// Package store persists self-play samples as numbered parquet shards.
package store

import (
	"errors"
)

// SchemaName tags every shard in its key/value metadata.
const SchemaName = "samples_v1"

// ErrMalformedShard is returned when a shard cannot be decoded or its arrays
// are inconsistent.
var ErrMalformedShard = errors.New("malformed shard")

// Sample is one training sample. Policy is a distribution over the variant's
// action space; Value is the final outcome from the perspective of the player
// to move in State.
type Sample struct {
	State  []float32 `parquet:"state"`
	Policy []float32 `parquet:"policy"`
	Value  float32   `parquet:"value"`
}
