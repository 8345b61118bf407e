package codec

import (
	"errors"
	"fmt"
)

var (
	ErrCodecNotRegistered = errors.New("codec: not registered")

	Default = JSON

	Codecs map[string]Codec
)

func init() {
	Codecs = make(map[string]Codec)
	for _, c := range []Codec{JSON, MsgPack, ProtoBuf} {
		Codecs[c.Name()] = c
	}
}

// Codec encodes values for storage and transport. The registry uses it
// to decode command payloads and the event store to encode event data.
type Codec interface {
	Name() string
	Marshal(any) ([]byte, error)
	Unmarshal([]byte, any) error
}

// Lookup returns the codec registered under name. An empty name selects
// the default codec.
func Lookup(name string) (Codec, error) {
	if name == "" {
		return Default, nil
	}
	c, ok := Codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotRegistered, name)
	}
	return c, nil
}
