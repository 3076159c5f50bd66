// Package admin exposes the control-plane inputs -- cancel_sync_mirrors
// and set_maximum_since_use -- as a small gRPC service over Master,
// without depending on generated protobuf code: messages are encoded
// with a custom, hand-registered JSON codec instead of protobuf wire
// encoding.
package admin

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc-go's encoding package; clients
// must dial with grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))
// or select "application/grpc+json" explicitly to use it.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
