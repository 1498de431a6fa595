// Package codec provides binary payload codecs for the bus, registered by name:
//
//	"msgpack"  application/msgpack (vmihailenco/msgpack)
//	"cbor"     application/cbor, canonical encoding (fxamacker/cbor)
//
// Import it for side effects to select them with BusBuilder.WithCodec or
// cloudevents.WithCodecName. Inside a CloudEvents envelope both travel as
// data_base64.
package codec

import (
	"fmt"

	"github.com/trickstertwo/cebus"
)

const (
	MsgPackName = "msgpack"
	CBORName    = "cbor"
)

func init() {
	if err := cebus.RegisterCodec(MsgPackName, func() cebus.Codec { return MsgPack{} }); err != nil {
		panic(fmt.Errorf("cebus/codec: failed to register %s: %w", MsgPackName, err))
	}
	// The canonical options are static, so building the modes cannot fail at runtime.
	c, err := NewCBOR()
	if err != nil {
		panic(err)
	}
	if err := cebus.RegisterCodec(CBORName, func() cebus.Codec { return c }); err != nil {
		panic(fmt.Errorf("cebus/codec: failed to register %s: %w", CBORName, err))
	}
}
