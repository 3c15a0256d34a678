package translog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the payload codec.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// ParseCompression maps a codec name to its Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

var errDecompressedSize = errors.New("decompressed size mismatch")

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compress returns the encoded payload and the codec actually used. A
// compressed payload is prefixed with its uncompressed length. Payloads
// that do not shrink by at least 10% are stored raw.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	if c == CompressionNone || len(data) == 0 {
		return data, CompressionNone, nil
	}

	var body []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, CompressionNone, err
		}
		if n == 0 {
			return data, CompressionNone, nil
		}
		body = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		body = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return data, CompressionNone, nil
	}

	if float64(len(body)+4) > float64(len(data))*0.9 {
		return data, CompressionNone, nil
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], body)
	return out, c, nil
}

func decompress(data []byte, c Compression) ([]byte, error) {
	if c == CompressionNone {
		return data, nil
	}
	if len(data) < 4 {
		return nil, ErrShortRead
	}
	size := binary.LittleEndian.Uint32(data)
	if size > maxPayload {
		return nil, ErrRecordTooLarge
	}
	body := data[4:]
	out := make([]byte, size)

	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != size {
			return nil, errDecompressedSize
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(body, out[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != size {
			return nil, errDecompressedSize
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown codec %d", c)
	}
}
