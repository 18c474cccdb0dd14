package datapub

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"

	"Datapub-Apps/internal/slotstore"
)

// Envelope carries one publish across a wire transport.
type Envelope struct {
	Producer ProducerID `json:"producer" codec:"producer"`
	Session  string     `json:"session" codec:"session"`
	Seq      uint64     `json:"seq" codec:"seq"`
	SentAt   int64      `json:"sent_at" codec:"sent_at"`
	Payload  Payload    `json:"payload" codec:"payload"`
}

func (e Envelope) Stamp() slotstore.Stamp {
	return slotstore.Stamp{Session: e.Session, Seq: e.Seq, SentAt: e.SentAt}
}

// Codec encodes envelopes. Producers and the coordinator must agree on it.
type Codec interface {
	Name() string
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte, *Envelope) error
}

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// CodecByName resolves a codec flag value.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return NewMsgpackCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec decodes numbers as float64.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONCodec) Unmarshal(b []byte, e *Envelope) error {
	return json.Unmarshal(b, e)
}

// MsgpackCodec keeps integers as int64 and floats as float64, so numeric
// arrays survive the trip without widening.
type MsgpackCodec struct {
	h *codec.MsgpackHandle
}

func NewMsgpackCodec() *MsgpackCodec {
	h := &codec.MsgpackHandle{}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.RawToString = true
	h.SignedInteger = true
	h.WriteExt = true
	return &MsgpackCodec{h: h}
}

func (c *MsgpackCodec) Name() string { return CodecMsgpack }

func (c *MsgpackCodec) Marshal(e Envelope) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, c.h).Encode(e); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *MsgpackCodec) Unmarshal(b []byte, e *Envelope) error {
	return codec.NewDecoderBytes(b, c.h).Decode(e)
}
