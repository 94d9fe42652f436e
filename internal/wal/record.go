package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"
)

// RecordType identifies the type of a frame.
type RecordType uint8

const (
	RecordTypePut    RecordType = 1
	RecordTypeDelete RecordType = 2
	RecordTypeBatch  RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordTypePut:
		return "put"
	case RecordTypeDelete:
		return "delete"
	case RecordTypeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

const (
	frameHeaderSize = 4 + 1 + 8 + 4 // crc, type, first id, payload length
	maxFrameSize    = 100 * 1024 * 1024

	flagTombstone  = 1 << 0
	flagCompressed = 1 << 1
)

var (
	ErrInvalidCRC     = errors.New("invalid frame checksum")
	ErrInvalidType    = errors.New("invalid frame type")
	ErrShortRead      = errors.New("short read in frame")
	ErrRecordTooLarge = errors.New("frame too large")
	ErrEmptyAppend    = errors.New("append without mutations")
)

// Mutation is a single write before an id is assigned.
type Mutation struct {
	Tree      []byte
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Record is a mutation stamped with its id.
type Record struct {
	ID        uint64
	Tree      []byte
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Size is the approximate in-memory footprint of the record payload.
func (r *Record) Size() int {
	return len(r.Tree) + len(r.Key) + len(r.Value)
}

// Frame is the unit of atomicity on disk: every record of a frame is replayed or none is.
// Records of one frame carry consecutive ids.
type Frame struct {
	Type    RecordType
	Records []Record
	// Size is the encoded size of the frame in bytes.
	Size int64
}

// FirstID returns the id of the first record.
func (f *Frame) FirstID() uint64 { return f.Records[0].ID }

// LastID returns the id of the last record.
func (f *Frame) LastID() uint64 { return f.Records[len(f.Records)-1].ID }

func frameType(muts []Mutation) RecordType {
	if len(muts) > 1 {
		return RecordTypeBatch
	}
	if muts[0].Tombstone {
		return RecordTypeDelete
	}
	return RecordTypePut
}

// encodePayload serializes mutations. Values of at least compressAt bytes are
// lz4 compressed when that makes them smaller; compressAt <= 0 disables compression.
//
// Payload: [Count 4] then per entry [Flags 1][TreeLen 4][Tree][KeyLen 4][Key][ValLen 4][Val].
// A compressed value is stored as [RawLen 4][lz4 block].
func encodePayload(muts []Mutation, compressAt int) ([]byte, error) {
	size := 4
	for i := range muts {
		size += 1 + 12 + len(muts[i].Tree) + len(muts[i].Key) + len(muts[i].Value)
	}
	if size > maxFrameSize {
		return nil, ErrRecordTooLarge
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(muts)))

	var scratch []byte
	for i := range muts {
		m := &muts[i]
		var flags byte
		value := m.Value
		if m.Tombstone {
			flags |= flagTombstone
			value = nil
		} else if compressAt > 0 && len(value) >= compressAt {
			if cap(scratch) < lz4.CompressBlockBound(len(value)) {
				scratch = make([]byte, lz4.CompressBlockBound(len(value)))
			}
			n, err := lz4.CompressBlock(value, scratch[:cap(scratch)], nil)
			if err != nil {
				return nil, err
			}
			if n > 0 && n+4 < len(value) {
				flags |= flagCompressed
				packed := make([]byte, 4+n)
				binary.LittleEndian.PutUint32(packed, uint32(len(value)))
				copy(packed[4:], scratch[:n])
				value = packed
			}
		}

		buf = append(buf, flags)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Tree)))
		buf = append(buf, m.Tree...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Key)))
		buf = append(buf, m.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
		buf = append(buf, value...)
	}
	return buf, nil
}

// appendFrame appends a complete frame to dst.
// Format: [CRC32 4][Type 1][FirstID 8][Length 4][Payload]; the CRC covers everything after it.
func appendFrame(dst []byte, typ RecordType, firstID uint64, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, byte(typ))
	dst = binary.LittleEndian.AppendUint64(dst, firstID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	binary.LittleEndian.PutUint32(dst[start:], crc32.ChecksumIEEE(dst[start+4:]))
	return dst
}

// EncodeFrame returns the encoded frame for records that already carry ids.
// Ids must be consecutive.
func EncodeFrame(recs []Record, compressAt int) ([]byte, error) {
	if len(recs) == 0 {
		return nil, ErrEmptyAppend
	}
	muts := make([]Mutation, len(recs))
	for i := range recs {
		muts[i] = Mutation{Tree: recs[i].Tree, Key: recs[i].Key, Value: recs[i].Value, Tombstone: recs[i].Tombstone}
	}
	payload, err := encodePayload(muts, compressAt)
	if err != nil {
		return nil, err
	}
	return appendFrame(nil, frameType(muts), recs[0].ID, payload), nil
}

func isFrameError(err error) bool {
	return errors.Is(err, ErrShortRead) || errors.Is(err, ErrInvalidCRC) ||
		errors.Is(err, ErrInvalidType) || errors.Is(err, ErrRecordTooLarge)
}

// DecodeFrame reads one frame from r. It returns io.EOF only at a clean frame boundary.
func DecodeFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrShortRead
		}
		return nil, err
	}

	checksum := binary.LittleEndian.Uint32(header[0:4])
	typ := RecordType(header[4])
	firstID := binary.LittleEndian.Uint64(header[5:13])
	length := binary.LittleEndian.Uint32(header[13:17])

	if length > maxFrameSize {
		return nil, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortRead
		}
		return nil, err
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, ErrInvalidCRC
	}

	if typ != RecordTypePut && typ != RecordTypeDelete && typ != RecordTypeBatch {
		return nil, ErrInvalidType
	}

	recs, err := parsePayload(payload, firstID)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: typ, Records: recs, Size: int64(frameHeaderSize) + int64(length)}, nil
}

func parsePayload(payload []byte, firstID uint64) ([]Record, error) {
	if len(payload) < 4 {
		return nil, ErrShortRead
	}
	count := binary.LittleEndian.Uint32(payload)
	if count == 0 {
		return nil, ErrShortRead
	}
	off := 4

	readBytes := func() ([]byte, bool) {
		if len(payload) < off+4 {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if n < 0 || len(payload) < off+n {
			return nil, false
		}
		b := payload[off : off+n : off+n]
		off += n
		return b, true
	}

	recs := make([]Record, 0, min(int(count), len(payload)/13))
	for i := uint32(0); i < count; i++ {
		if len(payload) < off+1 {
			return nil, ErrShortRead
		}
		flags := payload[off]
		off++

		tree, ok1 := readBytes()
		key, ok2 := readBytes()
		value, ok3 := readBytes()
		if !ok1 || !ok2 || !ok3 {
			return nil, ErrShortRead
		}

		rec := Record{ID: firstID + uint64(i), Tree: tree, Key: key}
		switch {
		case flags&flagTombstone != 0:
			rec.Tombstone = true
		case flags&flagCompressed != 0:
			if len(value) < 4 {
				return nil, ErrShortRead
			}
			raw := make([]byte, binary.LittleEndian.Uint32(value))
			n, err := lz4.UncompressBlock(value[4:], raw)
			if err != nil || n != len(raw) {
				return nil, ErrShortRead
			}
			rec.Value = raw
		default:
			rec.Value = value
		}
		recs = append(recs, rec)
	}
	if off != len(payload) {
		return nil, ErrShortRead
	}
	return recs, nil
}
