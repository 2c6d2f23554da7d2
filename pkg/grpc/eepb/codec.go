package eepb

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content subtype the codec is registered under
const Name = "eepb"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec is a grpc encoding.Codec for Message values
type codec struct{}

func (codec) Name() string { return Name }

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("eepb: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("eepb: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}
