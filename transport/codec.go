// Package transport carries units, deploys and unit fetches between nodes.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the gossip service.
const CodecName = "json"

func init() {
	// JSON 코덱 등록 - proto.Message를 구현하지 않은 타입도 지원
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec은 gRPC에서 JSON 직렬화를 사용하는 코덱
// 수동으로 정의한 Go struct들을 gRPC로 전송할 수 있게 해줌.
// "proto" 코덱은 그대로 두므로 같은 프로세스의 ABCI gRPC 클라이언트에 영향이 없다.
type JSONCodec struct{}

// Name returns the name of the codec
func (JSONCodec) Name() string {
	return CodecName
}

// Marshal serializes the message to JSON
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal error: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes the message from JSON
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal error: %w", err)
	}
	return nil
}
