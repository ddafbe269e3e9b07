package jobhub

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for job payload and record serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using JSON.
// It uses standard library for encoding and sonic for decoding.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

var defaultEncoder Encoder = &JSONEncoder{}

// MarshalJob encodes a job record for a persistent store. Derived fields
// of j are recomputed first.
func MarshalJob(j *Job) ([]byte, error) {
	j.refresh()
	return defaultEncoder.Encode(j)
}

// UnmarshalJob decodes a job record written by MarshalJob.
func UnmarshalJob(b []byte) (*Job, error) {
	var j Job
	if err := defaultEncoder.Decode(b, &j); err != nil {
		return nil, err
	}
	j.refresh()
	return &j, nil
}
