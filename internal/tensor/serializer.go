package tensor

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Format names a wire encoding for tensor payloads.
type Format uint8

const (
	FormatMsgpack Format = iota
)

func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "unknown"
}

var (
	ErrUnsupportedFormat = errors.New("unsupported tensor format")
	ErrSerialization     = errors.New("tensor serialization failed")
	ErrDeserialization   = errors.New("tensor deserialization failed")
)

// Serialized is the wire form of one tensor. Data is an opaque encoding of
// the element buffer in the declared Format; Shape travels beside it so
// receivers can shape-check before touching the payload.
type Serialized struct {
	Modality Modality `msgpack:"modality"`
	Format   Format   `msgpack:"format"`
	Shape    []uint32 `msgpack:"shape"`
	Data     []byte   `msgpack:"data"`
}

type Serializer interface {
	Serialize(t *Tensor, modality Modality) (Serialized, error)
	Deserialize(s Serialized) (*Tensor, error)
}

// NewSerializer fails fast on formats this build does not carry rather than
// letting an unknown encoding produce a silently wrong tensor.
func NewSerializer(f Format) (Serializer, error) {
	if f == FormatMsgpack {
		return MsgpackSerializer{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, f)
}

type payload struct {
	Dtype  Dtype     `msgpack:"dtype"`
	Floats []float64 `msgpack:"floats,omitempty"`
	Ints   []int64   `msgpack:"ints,omitempty"`
}

type MsgpackSerializer struct{}

func (MsgpackSerializer) Serialize(t *Tensor, modality Modality) (Serialized, error) {
	if err := validate(t); err != nil {
		return Serialized{}, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	data, err := msgpack.Marshal(payload{Dtype: t.Dtype, Floats: t.Floats, Ints: t.Ints})
	if err != nil {
		return Serialized{}, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return Serialized{
		Modality: modality,
		Format:   FormatMsgpack,
		Shape:    t.Shape,
		Data:     data,
	}, nil
}

func (MsgpackSerializer) Deserialize(s Serialized) (*Tensor, error) {
	if s.Format != FormatMsgpack {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, s.Format)
	}
	var p payload
	if err := msgpack.Unmarshal(s.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeserialization, err)
	}
	t := &Tensor{Dtype: p.Dtype, Shape: s.Shape, Floats: p.Floats, Ints: p.Ints}
	if err := validate(t); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeserialization, err)
	}
	return t, nil
}
