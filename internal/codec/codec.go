// Package codec adapts pluggable compression algorithms behind a single
// encode/decode contract. It knows nothing about shard entries; the
// writer decides when to compress, the codec just does it (§4.2).
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ID identifies a compression codec; it is the byte stored in the shard
// index's codec_id field.
type ID uint8

const (
	None ID = 0
	Zstd ID = 1
	Lz4  ID = 2
)

func (id ID) String() string {
	switch id {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Lz4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", id)
	}
}

// ErrUnknownCodec is returned for a codec_id outside {none, zstd, lz4}.
var ErrUnknownCodec = errors.New("codec: unknown codec id")

// Level is an adapter-local compression level: 1 (fast) .. 3 (best). It is
// translated per-codec since zstd and lz4 expose different level scales.
type Level int

const (
	LevelFast    Level = 1
	LevelDefault Level = 2
	LevelBest    Level = 3
)

// Codec encodes and decodes one byte sequence at a time.
type Codec interface {
	ID() ID
	Encode(level Level, data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Adapter dispatches to the registered codec for a given ID.
type Adapter struct {
	codecs map[ID]Codec
}

// NewAdapter builds an Adapter with the standard {none, zstd, lz4} set.
func NewAdapter() (*Adapter, error) {
	zc, err := newZstdCodec()
	if err != nil {
		return nil, fmt.Errorf("codec: init zstd: %w", err)
	}
	a := &Adapter{codecs: map[ID]Codec{
		None: noneCodec{},
		Zstd: zc,
		Lz4:  lz4Codec{},
	}}
	return a, nil
}

// Encode compresses data with the named codec and level.
func (a *Adapter) Encode(id ID, level Level, data []byte) ([]byte, error) {
	c, ok := a.codecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, id)
	}
	return c.Encode(level, data)
}

// Decode decompresses data with the named codec.
func (a *Adapter) Decode(id ID, data []byte) ([]byte, error) {
	c, ok := a.codecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, id)
	}
	return c.Decode(data)
}

// Supports reports whether id is a registered codec.
func (a *Adapter) Supports(id ID) bool {
	_, ok := a.codecs[id]
	return ok
}

type noneCodec struct{}

func (noneCodec) ID() ID                                { return None }
func (noneCodec) Encode(_ Level, data []byte) ([]byte, error) { return data, nil }
func (noneCodec) Decode(data []byte) ([]byte, error)          { return data, nil }

type zstdCodec struct {
	encoders map[Level]*zstd.Encoder
	decoder  *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	zc := &zstdCodec{encoders: make(map[Level]*zstd.Encoder, 3), decoder: dec}
	for level, zl := range map[Level]zstd.EncoderLevel{
		LevelFast:    zstd.SpeedFastest,
		LevelDefault: zstd.SpeedDefault,
		LevelBest:    zstd.SpeedBestCompression,
	} {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
		if err != nil {
			return nil, err
		}
		zc.encoders[level] = enc
	}
	return zc, nil
}

func (z *zstdCodec) ID() ID { return Zstd }

func (z *zstdCodec) Encode(level Level, data []byte) ([]byte, error) {
	enc, ok := z.encoders[level]
	if !ok {
		enc = z.encoders[LevelDefault]
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (z *zstdCodec) Decode(data []byte) ([]byte, error) {
	return z.decoder.DecodeAll(data, nil)
}

type lz4Codec struct{}

func (lz4Codec) ID() ID { return Lz4 }

func (lz4Codec) Encode(level Level, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	switch level {
	case LevelBest:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level9))
	case LevelFast:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	default:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level5))
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
