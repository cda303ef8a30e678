package htclow

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{
		ServiceID: 0x1234,
		TaskID:    7,
		Command:   3,
		Version:   1,
		Body:      []byte("hello htclow"),
	}

	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ServiceID != p.ServiceID || got.TaskID != p.TaskID || got.Command != p.Command {
		t.Errorf("header mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Body, p.Body) {
		t.Errorf("body mismatch: got %q, want %q", got.Body, p.Body)
	}
}

func TestEncodeDecodeEmptyBody(t *testing.T) {
	p := &Packet{ServiceID: 1, TaskID: 1, Command: 1}

	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Body) != 0 {
		t.Errorf("expected empty body, got %d bytes", len(got.Body))
	}
}

func TestDecodeHeaderChecksumMismatch(t *testing.T) {
	p := &Packet{ServiceID: 1, TaskID: 1, Command: 1, Body: []byte("x")}
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw := buf.Bytes()
	raw[0] ^= 0xFF // corrupt service_id, header checksum now stale

	_, err := Decode(bytes.NewReader(raw))
	if err != ErrHeaderChecksum {
		t.Fatalf("expected ErrHeaderChecksum, got %v", err)
	}
}

func TestDecodeBodyChecksumMismatch(t *testing.T) {
	p := &Packet{ServiceID: 1, TaskID: 1, Command: 1, Body: []byte("payload")}
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw := buf.Bytes()
	raw[HeaderSize] ^= 0xFF // corrupt body byte only, header checksum still valid

	_, err := Decode(bytes.NewReader(raw))
	if err != ErrBodyChecksum {
		t.Fatalf("expected ErrBodyChecksum, got %v", err)
	}
}

func TestEncodeBodyTooLarge(t *testing.T) {
	p := &Packet{Body: make([]byte, MaxBodySize+1)}
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestFragmentSmallBodyFitsInOnePacket(t *testing.T) {
	body := []byte("short body")
	packets := Fragment(1, 2, 3, 1, body, 64)
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}
	if packets[0].IsContinuation {
		t.Error("single packet must not be marked as continuation")
	}
}

func TestFragmentSplitsLargeBody(t *testing.T) {
	body := make([]byte, 200)
	for i := range body {
		body[i] = byte(i)
	}
	maxPacketSize := uint32(HeaderSize + 64)
	packets := Fragment(9, 10, 11, 1, body, maxPacketSize)

	if len(packets) != 4 {
		t.Fatalf("expected 4 packets, got %d", len(packets))
	}
	for i, pkt := range packets {
		if pkt.ServiceID != 9 || pkt.TaskID != 10 || pkt.Command != 11 {
			t.Errorf("packet %d: header fields not propagated: %+v", i, pkt)
		}
		wantContinuation := i < len(packets)-1
		if pkt.IsContinuation != wantContinuation {
			t.Errorf("packet %d: IsContinuation = %v, want %v", i, pkt.IsContinuation, wantContinuation)
		}
	}

	var reassembled []byte
	for _, pkt := range packets {
		reassembled = append(reassembled, pkt.Body...)
	}
	if len(reassembled) != len(body) {
		t.Fatalf("reassembled length %d, want %d", len(reassembled), len(body))
	}
	for i := range body {
		if reassembled[i] != body[i] {
			t.Fatalf("reassembled byte %d mismatch", i)
		}
	}
}

func TestFragmentEmptyBodyYieldsOnePacket(t *testing.T) {
	packets := Fragment(1, 1, 1, 1, nil, 64)
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet for empty body, got %d", len(packets))
	}
}
