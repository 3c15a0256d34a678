package translog

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/docshard/internal/hash"
	"github.com/hupe1980/docshard/model"
)

var (
	ErrInvalidCRC     = errors.New("invalid translog frame checksum")
	ErrInvalidType    = errors.New("invalid translog frame type")
	ErrShortRead      = errors.New("short read in translog frame")
	ErrRecordTooLarge = errors.New("translog frame too large")
)

const (
	frameHeaderSize = 4 + 1 + 1 + 4
	maxPayload      = 64 << 20
)

// Payload layout:
// [VersionType: 1] [Origin: 1] [Version: 8] [UIDLen: 4] [UID] [SourceLen: 4] [Source]
func encodePayload(op model.Operation) []byte {
	buf := make([]byte, 1+1+8+4+len(op.UID)+4+len(op.Source))
	buf[0] = byte(op.VersionType)
	buf[1] = byte(op.Origin)
	binary.LittleEndian.PutUint64(buf[2:], op.Version)
	off := 10
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(op.UID)))
	off += 4
	off += copy(buf[off:], op.UID)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(op.Source)))
	off += 4
	copy(buf[off:], op.Source)
	return buf
}

func decodePayload(typ model.OpType, p []byte) (model.Operation, error) {
	if len(p) < 14 {
		return model.Operation{}, ErrShortRead
	}
	op := model.Operation{
		Type:        typ,
		VersionType: model.VersionType(p[0]),
		Origin:      model.Origin(p[1]),
		Version:     binary.LittleEndian.Uint64(p[2:]),
	}
	off := 10
	n := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	if len(p) < off+n+4 {
		return model.Operation{}, ErrShortRead
	}
	op.UID = model.UID(p[off : off+n])
	off += n
	n = int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	if len(p) < off+n {
		return model.Operation{}, ErrShortRead
	}
	if typ != model.OpDelete {
		op.Source = make([]byte, n)
		copy(op.Source, p[off:off+n])
	}
	return op, nil
}

// encodeFrame serializes op into a complete, checksummed frame.
func encodeFrame(op model.Operation, c Compression, minCompress int) ([]byte, error) {
	if !op.Type.Valid() {
		return nil, ErrInvalidType
	}
	payload := encodePayload(op)
	codec := CompressionNone
	if len(payload) >= minCompress {
		var err error
		if payload, codec, err = compress(payload, c); err != nil {
			return nil, err
		}
	}
	if len(payload) > maxPayload {
		return nil, ErrRecordTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	frame[4] = byte(op.Type)
	frame[5] = byte(codec)
	binary.LittleEndian.PutUint32(frame[6:], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	binary.LittleEndian.PutUint32(frame[0:], hash.CRC32C(frame[4:]))
	return frame, nil
}

// decodeFrame reads one frame from r. It returns the number of bytes the
// frame occupies. A clean end of input yields io.EOF; a frame cut short
// yields io.ErrUnexpectedEOF.
func decodeFrame(r io.Reader) (model.Operation, int64, error) {
	header := make([]byte, frameHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
			return model.Operation{}, int64(n), io.ErrUnexpectedEOF
		}
		return model.Operation{}, 0, err
	}

	checksum := binary.LittleEndian.Uint32(header[0:])
	typ := model.OpType(header[4])
	codec := Compression(header[5])
	length := binary.LittleEndian.Uint32(header[6:])
	if length > maxPayload {
		return model.Operation{}, frameHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return model.Operation{}, frameHeaderSize, err
	}
	size := int64(frameHeaderSize) + int64(length)

	crc := hash.NewCRC32C()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return model.Operation{}, size, ErrInvalidCRC
	}
	if !typ.Valid() {
		return model.Operation{}, size, ErrInvalidType
	}

	raw, err := decompress(payload, codec)
	if err != nil {
		return model.Operation{}, size, err
	}
	op, err := decodePayload(typ, raw)
	return op, size, err
}
