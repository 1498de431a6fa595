package codec

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/trickstertwo/cebus"
)

// CBOR implements cebus.Codec with deterministic (canonical) CBOR encoding.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ cebus.Codec = (*CBOR)(nil)

// NewCBOR returns a canonical CBOR codec.
func NewCBOR() (*CBOR, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor dec mode: %w", err)
	}
	return &CBOR{enc: em, dec: dm}, nil
}

func (c *CBOR) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *CBOR) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
func (c *CBOR) Name() string                       { return CBORName }
func (c *CBOR) ContentType() string                { return "application/cbor" }
