// Package healthrpc — codec.go
//
// The Alert service (alertservice.go) is hand-written against grpc-go's generic
// service/codec machinery instead of protoc-generated stubs — there is
// no protoc invocation available in this build, and a bespoke, generated
// gossipv1 proto (the teacher's approach) isn't reproducible here. A
// JSON wire codec registered under the "json" content-subtype lets
// grpc.ClientConn.Invoke and a hand-rolled grpc.ServiceDesc carry plain
// Go structs over the same mTLS transport the teacher's gossip service
// uses, without any .proto compilation step.

package healthrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("healthrpc: json marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("healthrpc: json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }
