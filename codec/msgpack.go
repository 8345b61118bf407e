package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	MsgPack Codec = &msgpackCodec{}
)

// msgpackCodec reads struct field names from json tags, so stored data
// has the same keys whichever codec wrote it.
type msgpackCodec struct{}

const msgpackStructTag = "json"

func (*msgpackCodec) Name() string {
	return "msgpack"
}

func (*msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(msgpackStructTag)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (*msgpackCodec) Unmarshal(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag(msgpackStructTag)
	return dec.Decode(v)
}
