package zundo

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// CompressionThreshold is the prior-image size above which the codec
// snappy-compresses the payload before framing, following the
// teacher's go.mod choice of golang/snappy for this kind of
// already-small compressible blob.
const CompressionThreshold = 256

// FrameOverhead is the byte cost of the length prefix and suffix that
// wrap every encoded record, enabling reverse traversal within a log.
const FrameOverhead = 8

var (
	ErrShortBuffer   = errors.New("zundo: buffer too short to decode record")
	ErrFrameMismatch = errors.New("zundo: frame length prefix/suffix mismatch")
)

// Encode serializes r into its on-disk representation, without the
// reverse-traversal frame (see EncodeFramed for that).
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Type))

	priorImage := r.PriorImage
	flags := r.Flags
	if len(priorImage) > CompressionThreshold && (r.Type == Delete || r.Type == InPlaceUpdate || r.Type == NonInPlaceUpdate) {
		priorImage = snappy.Encode(nil, priorImage)
		flags |= FlagCompressed
	}
	buf.WriteByte(byte(flags))

	if err := binary.Write(&buf, binary.BigEndian, r.RelationID); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.Tid.Block); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.Tid.Offset); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(r.Xid)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(r.BackLink)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(r.PagePrev)); err != nil {
		return nil, err
	}

	switch r.Type {
	case Insert:
		binary.Write(&buf, binary.BigEndian, r.SpeculativeToken)
	case Delete, InPlaceUpdate:
		writeBlob(&buf, priorImage)
	case NonInPlaceUpdate:
		writeBlob(&buf, priorImage)
		binary.Write(&buf, binary.BigEndian, r.NewTid.Block)
		binary.Write(&buf, binary.BigEndian, r.NewTid.Offset)
	case MultiInsert:
		binary.Write(&buf, binary.BigEndian, uint16(len(r.Ranges)))
		for _, rg := range r.Ranges {
			binary.Write(&buf, binary.BigEndian, rg.Start)
			binary.Write(&buf, binary.BigEndian, rg.End)
		}
	case Lock:
		binary.Write(&buf, binary.BigEndian, r.PriorInfoMask1)
		buf.WriteByte(r.PriorInfoMask2)
		buf.WriteByte(r.NewLockMode)
	case SlotReuse:
		binary.Write(&buf, binary.BigEndian, uint64(r.PriorOccupant))
		binary.Write(&buf, binary.BigEndian, uint64(r.PriorOccupantPtr))
	case TransactionHeader:
		binary.Write(&buf, binary.BigEndian, uint64(r.NextTransactionStart))
	default:
		return nil, errors.Errorf("zundo: cannot encode record type %v", r.Type)
	}

	return buf.Bytes(), nil
}

func writeBlob(buf *bytes.Buffer, data []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode parses a record previously produced by Encode.
func Decode(data []byte) (Record, error) {
	if len(data) < 2 {
		return Record{}, ErrShortBuffer
	}
	r := bytes.NewReader(data)
	typeByte, _ := r.ReadByte()
	flagsByte, _ := r.ReadByte()

	rec := Record{Type: RecordType(typeByte), Flags: flagsByte}

	if err := binary.Read(r, binary.BigEndian, &rec.RelationID); err != nil {
		return Record{}, errors.Wrap(err, "zundo: decode relation id")
	}
	if err := binary.Read(r, binary.BigEndian, &rec.Tid.Block); err != nil {
		return Record{}, errors.Wrap(err, "zundo: decode tid block")
	}
	if err := binary.Read(r, binary.BigEndian, &rec.Tid.Offset); err != nil {
		return Record{}, errors.Wrap(err, "zundo: decode tid offset")
	}
	var xid, back, pagePrev uint64
	if err := binary.Read(r, binary.BigEndian, &xid); err != nil {
		return Record{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &back); err != nil {
		return Record{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &pagePrev); err != nil {
		return Record{}, err
	}
	rec.Xid = zid.Xid(xid)
	rec.BackLink = zptr.UndoPtr(back)
	rec.PagePrev = zptr.UndoPtr(pagePrev)

	switch rec.Type {
	case Insert:
		if err := binary.Read(r, binary.BigEndian, &rec.SpeculativeToken); err != nil {
			return Record{}, err
		}
	case Delete, InPlaceUpdate:
		img, err := readBlob(r)
		if err != nil {
			return Record{}, errors.Wrap(err, "zundo: decode prior image")
		}
		rec.PriorImage = maybeDecompress(img, rec.Flags)
	case NonInPlaceUpdate:
		img, err := readBlob(r)
		if err != nil {
			return Record{}, errors.Wrap(err, "zundo: decode prior image")
		}
		rec.PriorImage = maybeDecompress(img, rec.Flags)
		if err := binary.Read(r, binary.BigEndian, &rec.NewTid.Block); err != nil {
			return Record{}, err
		}
		if err := binary.Read(r, binary.BigEndian, &rec.NewTid.Offset); err != nil {
			return Record{}, err
		}
	case MultiInsert:
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Record{}, err
		}
		rec.Ranges = make([]OffsetRange, n)
		for i := range rec.Ranges {
			binary.Read(r, binary.BigEndian, &rec.Ranges[i].Start)
			binary.Read(r, binary.BigEndian, &rec.Ranges[i].End)
		}
	case Lock:
		if err := binary.Read(r, binary.BigEndian, &rec.PriorInfoMask1); err != nil {
			return Record{}, err
		}
		b1, _ := r.ReadByte()
		b2, _ := r.ReadByte()
		rec.PriorInfoMask2 = b1
		rec.NewLockMode = b2
	case SlotReuse:
		var occ, ptr uint64
		if err := binary.Read(r, binary.BigEndian, &occ); err != nil {
			return Record{}, err
		}
		if err := binary.Read(r, binary.BigEndian, &ptr); err != nil {
			return Record{}, err
		}
		rec.PriorOccupant = zid.Xid(occ)
		rec.PriorOccupantPtr = zptr.UndoPtr(ptr)
	case TransactionHeader:
		var next uint64
		if err := binary.Read(r, binary.BigEndian, &next); err != nil {
			return Record{}, err
		}
		rec.NextTransactionStart = zptr.UndoPtr(next)
	default:
		return Record{}, errors.Errorf("zundo: cannot decode record type %v", rec.Type)
	}

	return rec, nil
}

func maybeDecompress(data []byte, flags uint8) []byte {
	if flags&FlagCompressed == 0 {
		return data
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		// Corrupt compressed payload: surface the raw bytes rather than
		// panicking; callers that care check via Corruption elsewhere.
		return data
	}
	return out
}

// EncodeFramed wraps Encode's output with a length prefix and a
// matching length suffix so a reader walking backward through a
// segment can find the start of the previous record without an
// index, as required for batched rollback (spec.md §4.2).
func EncodeFramed(r Record) ([]byte, error) {
	body, err := Encode(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:4+len(body)], body)
	binary.BigEndian.PutUint32(out[4+len(body):], uint32(len(body)))
	return out, nil
}

// DecodeFramedForward reads one framed record starting at offset 0 of
// buf and returns it plus the total framed length consumed.
func DecodeFramedForward(buf []byte) (Record, int, error) {
	if len(buf) < 8 {
		return Record{}, 0, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < uint64(8)+uint64(n) {
		return Record{}, 0, ErrShortBuffer
	}
	body := buf[4 : 4+n]
	tail := binary.BigEndian.Uint32(buf[4+n : 8+n])
	if tail != n {
		return Record{}, 0, ErrFrameMismatch
	}
	rec, err := Decode(body)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, int(8 + n), nil
}

// DecodeFramedBackward reads the framed record whose frame ends at
// the last byte of buf (i.e. buf's final 4 bytes are its length
// suffix), returning the record and the offset its frame starts at.
func DecodeFramedBackward(buf []byte) (Record, int, error) {
	if len(buf) < 8 {
		return Record{}, 0, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf[len(buf)-4:])
	total := int(n) + 8
	if total > len(buf) {
		return Record{}, 0, ErrShortBuffer
	}
	start := len(buf) - total
	rec, consumed, err := DecodeFramedForward(buf[start:])
	if err != nil {
		return Record{}, 0, err
	}
	if consumed != total {
		return Record{}, 0, ErrFrameMismatch
	}
	return rec, start, nil
}
