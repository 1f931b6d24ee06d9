package relay

import (
	"fmt"
)

// frame is an already-encoded protobuf message.
type frame []byte

// frameCodec passes frames through untouched. It registers under the
// "proto" name so the relay sees a regular application/grpc+proto call.
type frameCodec struct{}

func (frameCodec) Name() string { return "proto" }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return *m, nil
	case frame:
		return m, nil
	default:
		return nil, fmt.Errorf("relay codec: cannot marshal %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("relay codec: cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}
