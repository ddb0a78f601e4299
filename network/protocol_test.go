package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"family":"camera","payload":{}}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, TagCamera, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	tag, got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if tag != TagCamera {
		t.Fatalf("expected camera tag, got %s", tag)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestEmptyFramePayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, TagPing, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	tag, got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if tag != TagPing || len(got) != 0 {
		t.Fatalf("unexpected frame tag=%s len=%d", tag, len(got))
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, TagChunk, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+2)
	if _, _, err := ReadFrame(bytes.NewReader(header)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameZeroLengthIsDecodeError(t *testing.T) {
	header := make([]byte, 4)
	if _, _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestChunkFrameRoundTrip(t *testing.T) {
	header := ChunkHeader{
		SessionKey: "session",
		RequestID:  "req-1",
		Descriptor: MediaTransferChunk{ProjectUUID: "p", TakeUUID: "t", File: "clip.mov", Index: 3},
	}
	data := bytes.Repeat([]byte{0xAB}, 1024)

	payload, err := EncodeChunk(header, data)
	if err != nil {
		t.Fatalf("EncodeChunk failed: %v", err)
	}

	gotHeader, gotData, err := DecodeChunk(payload)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	if gotHeader != header {
		t.Fatalf("header mismatch: got %+v", gotHeader)
	}
	if !bytes.Equal(gotData, data) {
		t.Fatalf("chunk data mismatch")
	}
}

func TestDecodeChunkRejectsTruncatedHeader(t *testing.T) {
	payload := []byte{0x00, 0x10, '{'}
	if _, _, err := DecodeChunk(payload); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestChunkDescriptorRoundTrip(t *testing.T) {
	chunk := MediaTransferChunk{ProjectUUID: "proj", TakeUUID: "take", File: "a.mov", Index: 2}

	encoded, err := EncodeChunkDescriptor(chunk)
	if err != nil {
		t.Fatalf("EncodeChunkDescriptor failed: %v", err)
	}
	decoded, err := DecodeChunkDescriptor(encoded)
	if err != nil {
		t.Fatalf("DecodeChunkDescriptor failed: %v", err)
	}
	if decoded != chunk {
		t.Fatalf("descriptor mismatch: got %+v", decoded)
	}
	if decoded.Offset() != 4_000_000 {
		t.Fatalf("expected offset 4000000, got %d", decoded.Offset())
	}

	if _, err := DecodeChunkDescriptor("not base64!"); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for garbage descriptor, got %v", err)
	}
	negative, _ := EncodeChunkDescriptor(MediaTransferChunk{File: "a.mov", Index: -1})
	if _, err := DecodeChunkDescriptor(negative); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for negative index, got %v", err)
	}
}

func TestDecodeEnvelopeChecksFamilyAgainstTag(t *testing.T) {
	if _, err := DecodeEnvelope(TagCamera, []byte(`{"family":"project","payload":{}}`)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for family mismatch, got %v", err)
	}
	if _, err := DecodeEnvelope(TagCamera, []byte(`{not json`)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for malformed envelope, got %v", err)
	}
	if _, err := DecodeEnvelope(TagPing, []byte(`{}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}

	envelope, err := DecodeEnvelope(TagStatus, []byte(`{"payload":[]}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if envelope.Family != FamilyStatus {
		t.Fatalf("expected family inferred from tag, got %q", envelope.Family)
	}
}
