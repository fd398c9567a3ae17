package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMessageIDRoundTrip(t *testing.T) {
	ids := []MessageID{
		ConnectRequest, ConnectReply, DisconnectRequest,
		ActivateRequest, DeactivateRequest,
		PacketRequest, PacketReply,
		StartStreamRequest, StopStreamRequest,
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, id := range ids {
		if err := w.WriteID(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.Len(), len(ids)*2; got != want {
		t.Fatalf("encoded %d bytes, want %d (2 per ID)", got, want)
	}

	r := NewReader(&buf)
	for _, want := range ids {
		got, err := r.ReadID()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ReadID = %v, want %v", got, want)
		}
	}
}

func TestUint32WireOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteUint32(0x01020304); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x04, 0x03, 0x02, 0x01} // little-endian
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("wire bytes = %x, want %x", buf.Bytes(), want)
	}
}

func TestReadIDClosedStream(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if _, err := r.ReadID(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}

	// A single stray byte is a tag cut off mid-field.
	r = NewReader(bytes.NewReader([]byte{0x07}))
	if _, err := r.ReadID(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestWriteMessageFlushes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteMessage(ActivateRequest); err != nil {
		t.Fatal(err)
	}
	// WriteMessage flushes; the bytes must already be visible.
	if buf.Len() != 2 {
		t.Errorf("buffered write not flushed, %d bytes visible", buf.Len())
	}
}

func TestMessageIDString(t *testing.T) {
	if got := PacketReply.String(); got != "PACKET_REPLY" {
		t.Errorf("PacketReply.String() = %q", got)
	}
	if got := MessageID(999).String(); got != "UNKNOWN(999)" {
		t.Errorf("unknown id String() = %q", got)
	}
}
