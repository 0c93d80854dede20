// Package jsoncodec registers a JSON codec with gRPC so the cluster
// can exchange replication RPCs without generated protobuf types.
// Clients select it per call with grpc.CallContentSubtype(Name).
package jsoncodec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype announced on the wire
// (application/grpc+json).
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsoncodec: marshal %T: %w", v, err)
	}
	return data, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsoncodec: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string { return Name }
