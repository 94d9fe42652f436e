package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/treekv/internal/wal"
	"github.com/klauspost/compress/zstd"
)

const (
	checkpointMagic   = 0x544B5643 // "TKVC"
	checkpointVersion = 1
	checkpointHeader  = 16
	endOfEntries      = ^uint32(0)
)

// ErrInvalidCheckpoint is returned when a checkpoint fails verification.
var ErrInvalidCheckpoint = errors.New("index: invalid checkpoint")

// CheckpointFileName returns the name of the checkpoint written for segment id.
func CheckpointFileName(id uint64) string {
	return fmt.Sprintf("checkpoint-%06d.ckpt", id)
}

// WriteCheckpoint writes every version with id <= cut that is in keep (all of
// them if keep is nil).
//
// Format:
//
//	Magic (4 bytes)
//	Version (4 bytes)
//	MaxID (8 bytes)
//	zstd stream:
//	  Entries...
//	    TreeLen (4 bytes), Tree, KeyLen (4 bytes), Key, NumVersions (4 bytes)
//	    Versions...: ID (8 bytes), Flags (1 byte), ValLen (4 bytes), Value
//	  0xFFFFFFFF (4 bytes)
//	  NumEntries (8 bytes)
//	  Checksum (4 bytes) - CRC32 of everything in the stream before it
func (ix *Index) WriteCheckpoint(w io.Writer, cut uint64, keep *roaring64.Bitmap) error {
	header := make([]byte, checkpointHeader)
	binary.LittleEndian.PutUint32(header[0:4], checkpointMagic)
	binary.LittleEndian.PutUint32(header[4:8], checkpointVersion)
	binary.LittleEndian.PutUint64(header[8:16], cut)
	if _, err := w.Write(header); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	cw := &checksumWriter{w: bufio.NewWriterSize(zw, 64*1024), crc: crc32.NewIEEE()}

	var entries uint64
	for _, t := range ix.allTrees() {
		t.clone().Ascend(func(e *Entry) bool {
			var vs []Version
			for _, v := range e.Versions {
				if v.ID <= cut && (keep == nil || keep.Contains(v.ID)) {
					vs = append(vs, v)
				}
			}
			if len(vs) == 0 {
				return true
			}
			entries++
			cw.bytes(t.name)
			cw.bytes(e.Key)
			cw.uint32(uint32(len(vs)))
			for _, v := range vs {
				cw.uint64(v.ID)
				var flags byte
				if v.Tombstone {
					flags = 1
				}
				cw.write([]byte{flags})
				cw.bytes(v.Value)
			}
			return cw.err == nil
		})
		if cw.err != nil {
			break
		}
	}
	cw.uint32(endOfEntries)
	cw.uint64(entries)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], cw.crc.Sum32())
	cw.write(sum[:])

	if cw.err == nil {
		cw.err = cw.w.Flush()
	}
	if cw.err != nil {
		_ = zw.Close()
		return cw.err
	}
	return zw.Close()
}

type checksumWriter struct {
	w   *bufio.Writer
	crc hash.Hash32
	err error
	buf [8]byte
}

func (c *checksumWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	_, _ = c.crc.Write(p)
	_, c.err = c.w.Write(p)
}

func (c *checksumWriter) uint32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[:4], v)
	c.write(c.buf[:4])
}

func (c *checksumWriter) uint64(v uint64) {
	binary.LittleEndian.PutUint64(c.buf[:8], v)
	c.write(c.buf[:8])
}

func (c *checksumWriter) bytes(p []byte) {
	c.uint32(uint32(len(p)))
	c.write(p)
}

// ReadCheckpoint loads a checkpoint into a new index and returns it with the
// checkpoint's max id. Records with larger ids are expected to be replayed from the log.
func ReadCheckpoint(r io.Reader) (*Index, uint64, error) {
	header := make([]byte, checkpointHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, fmt.Errorf("%w: header: %v", ErrInvalidCheckpoint, err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != checkpointMagic {
		return nil, 0, fmt.Errorf("%w: invalid magic %x", ErrInvalidCheckpoint, magic)
	}
	if ver := binary.LittleEndian.Uint32(header[4:8]); ver != checkpointVersion {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidCheckpoint, ver)
	}
	maxID := binary.LittleEndian.Uint64(header[8:16])

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, 0, err
	}
	defer zr.Close()

	cr := &checksumReader{r: bufio.NewReaderSize(zr, 64*1024), crc: crc32.NewIEEE()}
	ix := New()
	var entries uint64
	for {
		treeLen := cr.uint32()
		if cr.err != nil {
			break
		}
		if treeLen == endOfEntries {
			break
		}
		treeID := cr.read(int(treeLen))
		key := cr.bytes()
		n := cr.uint32()
		for i := uint32(0); i < n && cr.err == nil; i++ {
			id := cr.uint64()
			flags := cr.read(1)
			value := cr.bytes()
			if cr.err != nil {
				break
			}
			rec := wal.Record{ID: id, Tree: treeID, Key: key, Value: value}
			if flags[0]&1 != 0 {
				rec.Value, rec.Tombstone = nil, true
			}
			if id > maxID {
				cr.err = fmt.Errorf("id %d above checkpoint max %d", id, maxID)
				break
			}
			if err := ix.Apply(rec); err != nil {
				cr.err = err
			}
		}
		entries++
	}
	if cr.err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, cr.err)
	}

	count := cr.uint64()
	want := cr.crc.Sum32()
	sum := cr.read(4)
	if cr.err != nil {
		return nil, 0, fmt.Errorf("%w: trailer: %v", ErrInvalidCheckpoint, cr.err)
	}
	if count != entries {
		return nil, 0, fmt.Errorf("%w: %d entries, trailer says %d", ErrInvalidCheckpoint, entries, count)
	}
	if binary.LittleEndian.Uint32(sum) != want {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidCheckpoint)
	}

	for {
		cur := ix.lastID.Load()
		if maxID <= cur || ix.lastID.CompareAndSwap(cur, maxID) {
			break
		}
	}
	return ix, maxID, nil
}

type checksumReader struct {
	r   *bufio.Reader
	crc hash.Hash32
	err error
}

func (c *checksumReader) read(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > 1<<30 {
		c.err = fmt.Errorf("length %d out of range", n)
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(c.r, p); err != nil {
		c.err = err
		return nil
	}
	_, _ = c.crc.Write(p)
	return p
}

func (c *checksumReader) uint32() uint32 {
	p := c.read(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (c *checksumReader) uint64() uint64 {
	p := c.read(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (c *checksumReader) bytes() []byte {
	return c.read(int(c.uint32()))
}
