// Package wire implements the reliable-stream frame codec and the
// datagram slot-prefix encoding used on the wire between server and
// client.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressMarker prefixes a frame payload whenever it has been zlib
// compressed. Clients detect it by comparing the first four bytes.
var compressMarker = []byte("ABG:")

const (
	// compressThreshold is the payload size, in bytes, above which a
	// frame is zlib-compressed before the length header is attached.
	compressThreshold = 400

	// maxHeaderSize is the largest length header this implementation will
	// honor. Anything larger is treated as a hostile or corrupted stream.
	maxHeaderSize = 100 * 1024 * 1024
)

// ErrMalformed indicates the length header was zero or negative.
var ErrMalformed = errors.New("wire: malformed frame header")

// ErrHeaderTooLarge indicates the length header exceeded maxHeaderSize and
// the connection should be kicked rather than read further.
var ErrHeaderTooLarge = errors.New("wire: header size limit exceeded")

// Encode prepends a 4-byte little-endian signed length header to data,
// compressing the payload first when it is larger than compressThreshold.
func Encode(data []byte) ([]byte, error) {
	payload := data
	if len(data) > compressThreshold {
		var buf bytes.Buffer
		buf.Write(compressMarker)
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("wire: encode: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("wire: encode: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("wire: encode: %w", err)
		}
		payload = buf.Bytes()
	}

	header := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(header[:4], uint32(int32(len(payload))))
	copy(header[4:], payload)
	return header, nil
}

// ReadFrame reads one length-prefixed frame from r, decompressing it if it
// carries the zlib marker. It returns ErrMalformed for a non-positive
// header and ErrHeaderTooLarge for a header that exceeds maxHeaderSize;
// callers must kick the connection on ErrHeaderTooLarge rather than retry.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int32(binary.LittleEndian.Uint32(hdr[:]))
	if n <= 0 {
		return nil, ErrMalformed
	}
	if n > maxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	if len(payload) > len(compressMarker) && bytes.Equal(payload[:len(compressMarker)], compressMarker) {
		zr, err := zlib.NewReader(bytes.NewReader(payload[len(compressMarker):]))
		if err != nil {
			return nil, fmt.Errorf("wire: decompress: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("wire: decompress: %w", err)
		}
		return out, nil
	}
	return payload, nil
}

// EncodeDatagram prepends the 1-byte slot identifier (slot+1, per the
// wire convention that 0 is reserved) to a datagram payload.
func EncodeDatagram(slot int, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = byte(slot + 1)
	copy(out[1:], data)
	return out
}

// DecodeDatagram splits a raw datagram into its slot identifier and
// payload. It returns ok=false for an empty datagram.
func DecodeDatagram(raw []byte) (slot int, payload []byte, ok bool) {
	if len(raw) < 1 {
		return 0, nil, false
	}
	return int(raw[0]) - 1, raw[1:], true
}
