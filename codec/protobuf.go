package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

var (
	ProtoBuf Codec = &protoBufCodec{}
)

// protoBufCodec only handles values implementing proto.Message.
type protoBufCodec struct{}

func (*protoBufCodec) Name() string {
	return "protobuf"
}

func (*protoBufCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", proto.Error, v)
	}
	return proto.Marshal(m)
}

func (*protoBufCodec) Unmarshal(b []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", proto.Error, v)
	}
	return proto.Unmarshal(b, m)
}
