package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary blob framing, little-endian throughout:
//
//	start_ts_ns u64 | duration_ns u64 | frame_count u64
//	then per frame:
//	is_key_frame u8 | ts_ns u64 | duration_ns u64 | flags u32 | data_len u64 | data
//
// The format is persisted on disk; it must round-trip bit-exactly and never
// change shape without a migration.

// maxFrameDataLen bounds a single frame payload on decode. A corrupted
// length prefix must not drive a multi-gigabyte allocation.
const maxFrameDataLen = 512 << 20

// maxFrameCount bounds the per-fragment frame count on decode.
const maxFrameCount = 1 << 20

// EncodeFragment serialises a fragment into its blob form.
func EncodeFragment(fr *Fragment) ([]byte, error) {
	if err := fr.Validate(); err != nil {
		return nil, err
	}
	size := 24
	for _, frame := range fr.Frames {
		size += 29 + len(frame.Data)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))

	writeU64(buf, fr.StartTimestampNs)
	writeU64(buf, fr.DurationNs)
	writeU64(buf, uint64(len(fr.Frames)))
	for _, frame := range fr.Frames {
		if frame.IsKeyFrame {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeU64(buf, frame.TimestampNs)
		writeU64(buf, frame.DurationNs)
		writeU32(buf, frame.Flags)
		writeU64(buf, uint64(len(frame.Data)))
		buf.Write(frame.Data)
	}
	return buf.Bytes(), nil
}

// DecodeFragment parses a blob back into a fragment. Any structural problem
// wraps ErrFragmentCorrupted so the store can treat it as fragment
// corruption and drop the row.
func DecodeFragment(blob []byte) (*Fragment, error) {
	r := bytes.NewReader(blob)

	startTs, err := readU64(r)
	if err != nil {
		return nil, corrupted("start timestamp", err)
	}
	duration, err := readU64(r)
	if err != nil {
		return nil, corrupted("duration", err)
	}
	frameCount, err := readU64(r)
	if err != nil {
		return nil, corrupted("frame count", err)
	}
	if frameCount == 0 || frameCount > maxFrameCount {
		return nil, corrupted(fmt.Sprintf("frame count %d", frameCount), nil)
	}

	frames := make([]*Frame, 0, frameCount)
	for i := uint64(0); i < frameCount; i++ {
		keyByte, err := r.ReadByte()
		if err != nil {
			return nil, corrupted("key frame flag", err)
		}
		ts, err := readU64(r)
		if err != nil {
			return nil, corrupted("frame timestamp", err)
		}
		frameDuration, err := readU64(r)
		if err != nil {
			return nil, corrupted("frame duration", err)
		}
		flags, err := readU32(r)
		if err != nil {
			return nil, corrupted("frame flags", err)
		}
		dataLen, err := readU64(r)
		if err != nil {
			return nil, corrupted("frame data length", err)
		}
		if dataLen > maxFrameDataLen || dataLen > uint64(r.Len()) {
			return nil, corrupted(fmt.Sprintf("frame data length %d", dataLen), nil)
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, corrupted("frame data", err)
		}
		frames = append(frames, &Frame{
			IsKeyFrame:  keyByte == 1,
			TimestampNs: ts,
			DurationNs:  frameDuration,
			Data:        data,
			Flags:       flags,
		})
	}
	if r.Len() != 0 {
		return nil, corrupted(fmt.Sprintf("%d trailing bytes", r.Len()), nil)
	}

	fr := &Fragment{
		StartTimestampNs: startTs,
		DurationNs:       duration,
		Frames:           frames,
	}
	if err := fr.Validate(); err != nil {
		return nil, corrupted("invariants", err)
	}
	return fr, nil
}

func corrupted(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFragmentCorrupted, what, err)
	}
	return fmt.Errorf("%w: %s", ErrFragmentCorrupted, what)
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
