package codec

import (
	"bytes"

	"github.com/trickstertwo/cebus"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements cebus.Codec with MessagePack. Struct fields are keyed by
// their `json` tag so the same domain types serve both codecs.
type MsgPack struct{}

var _ cebus.Codec = MsgPack{}

func (MsgPack) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgPack) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (MsgPack) Name() string        { return MsgPackName }
func (MsgPack) ContentType() string { return "application/msgpack" }
