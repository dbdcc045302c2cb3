// Package codec encodes every value the node hashes, signs, persists or sends
// over a session. Encoding is canonical CBOR so that equal values always have
// equal bytes; persisted values are additionally zstd compressed.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Codec is safe for concurrent use.
type Codec struct {
	encoder      cbor.EncMode
	decoder      cbor.DecMode
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

// New creates a new Codec.
func New() *Codec {
	// We should never fail here if the options are valid, so use panic to keep
	// the function signature for the codec clean.
	options := cbor.CanonicalEncOptions()
	options.Time = cbor.TimeRFC3339Nano
	encoder, err := options.EncMode()
	if err != nil {
		panic(err)
	}
	decoder, err := cbor.DecOptions{MaxArrayElements: 1 << 20, MaxMapPairs: 1 << 20}.DecMode()
	if err != nil {
		panic(err)
	}
	compressor, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}

	return &Codec{
		encoder:      encoder,
		decoder:      decoder,
		compressor:   compressor,
		decompressor: decompressor,
	}
}

// Encode returns the canonical encoding of value.
func (c *Codec) Encode(value interface{}) ([]byte, error) {
	return c.encoder.Marshal(value)
}

// Decode decodes data into value.
func (c *Codec) Decode(data []byte, value interface{}) error {
	return c.decoder.Unmarshal(data, value)
}

// Marshal encodes and compresses value.
func (c *Codec) Marshal(value interface{}) ([]byte, error) {
	data, err := c.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("could not encode value: %w", err)
	}
	return c.compressor.EncodeAll(data, nil), nil
}

// Unmarshal decompresses and decodes data into value.
func (c *Codec) Unmarshal(compressed []byte, value interface{}) error {
	data, err := c.decompressor.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("could not decompress data: %w", err)
	}
	if err := c.Decode(data, value); err != nil {
		return fmt.Errorf("could not decode value: %w", err)
	}
	return nil
}

// Wire adapts the codec to the gRPC encoding.Codec interface: frames are
// encoded but not compressed.
type Wire struct {
	*Codec
}

func (w Wire) Name() string {
	return "cbor"
}

func (w Wire) Marshal(v interface{}) ([]byte, error) {
	return w.Encode(v)
}

func (w Wire) Unmarshal(data []byte, v interface{}) error {
	return w.Decode(data, v)
}
