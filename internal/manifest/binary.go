package manifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

const (
	binaryMagic   = 0x544B4D46 // "TKMF"
	binaryVersion = 1
)

// WriteBinary writes the manifest in binary format.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Checksum (4 bytes) - CRC32 of payload
// PayloadLength (4 bytes)
// Payload:
//
//	ID (8 bytes)
//	CreatedAt (8 bytes) - UnixNano
//	InstanceID (16 bytes)
//	NextSegmentID (8 bytes)
//	LastID (8 bytes)
//	NumSegments (4 bytes)
//	Segments...
//	  ID (8 bytes)
//	  MinID (8 bytes)
//	  MaxID (8 bytes)
//	  Records (8 bytes)
//	  Size (8 bytes)
//	  Path (string)
//	Checkpoint.Path (string)
//	Checkpoint.MaxID (8 bytes)
func (m *Manifest) WriteBinary(w io.Writer) error {
	payloadSize := 120 + len(m.Segments)*(40+2+24)
	pb := newPayloadBuffer(make([]byte, 0, payloadSize))

	pb.writeUint64(m.ID)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeBytes(m.InstanceID[:])
	pb.writeUint64(m.NextSegmentID)
	pb.writeUint64(m.LastID)
	pb.writeUint32(uint32(len(m.Segments)))

	for _, s := range m.Segments {
		pb.writeUint64(s.ID)
		pb.writeUint64(s.MinID)
		pb.writeUint64(s.MaxID)
		pb.writeUint64(uint64(s.Records))
		pb.writeUint64(uint64(s.Size))
		pb.writeString(s.Path)
	}

	pb.writeString(m.Checkpoint.Path)
	pb.writeUint64(m.Checkpoint.MaxID)

	// Check for any errors during payload construction (e.g., string too long)
	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf
	checksum := crc32.ChecksumIEEE(payload)

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(header[8:12], checksum)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBinary reads the manifest from binary format.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != binaryVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}

	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	copy(m.InstanceID[:], pb.readBytes(16))
	m.NextSegmentID = pb.readUint64()
	m.LastID = pb.readUint64()

	numSegments := pb.readUint32()
	if pb.err == nil && int(numSegments) > len(payload)/42 {
		return nil, fmt.Errorf("%w: segment count %d", ErrCorrupt, numSegments)
	}
	m.Segments = make([]SegmentInfo, numSegments)
	for i := range m.Segments {
		m.Segments[i].ID = pb.readUint64()
		m.Segments[i].MinID = pb.readUint64()
		m.Segments[i].MaxID = pb.readUint64()
		m.Segments[i].Records = int64(pb.readUint64())
		m.Segments[i].Size = int64(pb.readUint64())
		m.Segments[i].Path = pb.readString()
	}

	m.Checkpoint.Path = pb.readString()
	m.Checkpoint.MaxID = pb.readUint64()

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}
	if pb.pos != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(payload)-pb.pos)
	}

	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) readUint64() uint64 {
	if p.err != nil {
		return 0
	}
	if p.pos+8 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if p.err != nil {
		return 0
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readBytes(n int) []byte {
	if p.err != nil {
		return nil
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readString() string {
	if p.err != nil {
		return ""
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	l := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2

	if p.pos+int(l) > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(p.buf[p.pos : p.pos+int(l)])
	p.pos += int(l)
	return s
}
