package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTripSmall(t *testing.T) {
	data := []byte("Z" + strings.Repeat("a", 10))
	encoded, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := ReadFrame(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q want %q", got, data)
	}
}

func TestEncodeCompressesLargePayload(t *testing.T) {
	data := []byte(strings.Repeat("x", compressThreshold+1))
	encoded, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if !bytes.Contains(encoded[4:8], compressMarker) {
		t.Fatalf("expected ABG: marker in compressed frame, got %x", encoded[:16])
	}

	got, err := ReadFrame(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch after decompression")
	}
}

func TestReadFrameRejectsNonPositiveHeader(t *testing.T) {
	buf := []byte{0, 0, 0, 0}
	if _, err := ReadFrame(bytes.NewReader(buf)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	negative := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadFrame(bytes.NewReader(negative)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for negative header, got %v", err)
	}
}

func TestReadFrameRejectsHostileHeader(t *testing.T) {
	buf := []byte{0x01, 0x00, 0x00, 0x10} // well above 100MB
	if _, err := ReadFrame(bytes.NewReader(buf)); !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
}

func TestDatagramEncodeDecode(t *testing.T) {
	payload := []byte("Zposition-update")
	raw := EncodeDatagram(4, payload)
	if raw[0] != 5 {
		t.Fatalf("expected slot byte 5, got %d", raw[0])
	}

	slot, got, ok := DecodeDatagram(raw)
	if !ok {
		t.Fatalf("DecodeDatagram returned ok=false")
	}
	if slot != 4 {
		t.Fatalf("expected slot 4, got %d", slot)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestDecodeDatagramEmpty(t *testing.T) {
	if _, _, ok := DecodeDatagram(nil); ok {
		t.Fatalf("expected ok=false for empty datagram")
	}
}
