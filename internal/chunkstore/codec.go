// Package chunkstore persists per-document vector indices as a pair of binary artifacts:
// a vector file holding the flat float32 matrix and a map file holding the chunk text of each slot.
package chunkstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// ErrCorruptIndex is returned when persisted artifacts are missing, truncated, or inconsistent.
var ErrCorruptIndex = errors.New("corrupt index")

const (
	codecVersion uint16 = 1
	crcSize             = 4
	// maxChunkBytes bounds a single chunk length read from disk so a damaged length field
	// cannot trigger a huge allocation.
	maxChunkBytes = 64 << 20
)

var (
	vecMagic = [4]byte{'T', 'V', 'E', 'C'}
	mapMagic = [4]byte{'T', 'M', 'A', 'P'}
)

// EncodeVectors writes the vector artifact: magic, version, dimension, count, count*dimension
// float32 values, then a CRC-32 of everything before it. All integers are little-endian.
func EncodeVectors(w io.Writer, dimensions int, vectors [][]float32) error {
	var buf bytes.Buffer
	buf.Grow(14 + len(vectors)*dimensions*4 + crcSize)
	buf.Write(vecMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, codecVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dimensions))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(vectors)))
	scratch := make([]byte, 4)
	for i, vec := range vectors {
		if len(vec) != dimensions {
			return fmt.Errorf("encode vector %d: has %d components, want %d", i, len(vec), dimensions)
		}
		for _, v := range vec {
			binary.LittleEndian.PutUint32(scratch, math.Float32bits(v))
			buf.Write(scratch)
		}
	}
	return writeWithCRC(w, buf.Bytes())
}

// DecodeVectors reads an artifact written by EncodeVectors.
func DecodeVectors(r io.Reader) (int, [][]float32, error) {
	body, err := readVerified(r, vecMagic)
	if err != nil {
		return 0, nil, err
	}
	var dim, n uint32
	if err := binary.Read(body, binary.LittleEndian, &dim); err != nil {
		return 0, nil, corrupt("read dimension: %v", err)
	}
	if err := binary.Read(body, binary.LittleEndian, &n); err != nil {
		return 0, nil, corrupt("read count: %v", err)
	}
	if dim == 0 {
		return 0, nil, corrupt("zero dimension")
	}
	want := uint64(n) * uint64(dim) * 4
	if uint64(body.Len()) != want {
		return 0, nil, corrupt("vector payload is %d bytes, header implies %d", body.Len(), want)
	}
	raw := make([]byte, want)
	if _, err := io.ReadFull(body, raw); err != nil {
		return 0, nil, corrupt("read vectors: %v", err)
	}
	vectors := make([][]float32, n)
	stride := int(dim) * 4
	for i := range vectors {
		vectors[i] = bytesToFloat32Slice(raw[i*stride : (i+1)*stride])
	}
	return int(dim), vectors, nil
}

// EncodeChunks writes the map artifact: magic, version, count, then per slot a uint32 byte
// length followed by the UTF-8 chunk text, then a CRC-32.
func EncodeChunks(w io.Writer, chunks []string) error {
	var buf bytes.Buffer
	buf.Write(mapMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, codecVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(chunks)))
	for _, c := range chunks {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(c)))
		buf.WriteString(c)
	}
	return writeWithCRC(w, buf.Bytes())
}

// DecodeChunks reads an artifact written by EncodeChunks.
func DecodeChunks(r io.Reader) ([]string, error) {
	body, err := readVerified(r, mapMagic)
	if err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(body, binary.LittleEndian, &n); err != nil {
		return nil, corrupt("read count: %v", err)
	}
	// Each entry needs at least its 4-byte length prefix.
	if uint64(n)*4 > uint64(body.Len()) {
		return nil, corrupt("chunk count %d exceeds payload", n)
	}
	chunks := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		var size uint32
		if err := binary.Read(body, binary.LittleEndian, &size); err != nil {
			return nil, corrupt("read chunk %d length: %v", i, err)
		}
		if size > maxChunkBytes || int(size) > body.Len() {
			return nil, corrupt("chunk %d length %d exceeds payload", i, size)
		}
		b := make([]byte, size)
		if _, err := io.ReadFull(body, b); err != nil {
			return nil, corrupt("read chunk %d: %v", i, err)
		}
		chunks = append(chunks, string(b))
	}
	if body.Len() != 0 {
		return nil, corrupt("%d trailing bytes after chunks", body.Len())
	}
	return chunks, nil
}

func writeWithCRC(w io.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	sum := make([]byte, crcSize)
	binary.LittleEndian.PutUint32(sum, crc32.ChecksumIEEE(payload))
	_, err := w.Write(sum)
	return err
}

// readVerified reads the whole artifact, checks the trailing CRC, magic and version, and
// returns a reader positioned after the version field.
func readVerified(r io.Reader, magic [4]byte) (*bytes.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if len(data) < len(magic)+2+crcSize {
		return nil, corrupt("artifact too short (%d bytes)", len(data))
	}
	payload, tail := data[:len(data)-crcSize], data[len(data)-crcSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(tail) {
		return nil, corrupt("checksum mismatch")
	}
	if !bytes.Equal(payload[:4], magic[:]) {
		return nil, corrupt("bad magic %q", payload[:4])
	}
	if v := binary.LittleEndian.Uint16(payload[4:6]); v != codecVersion {
		return nil, corrupt("unsupported version %d", v)
	}
	return bytes.NewReader(payload[6:]), nil
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
