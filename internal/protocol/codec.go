package protocol

import (
	"bufio"
	"encoding/binary"
	"io"
)

// byteOrder is the wire byte order for every multi-byte field. Fixing it
// keeps heterogeneous client/server deployments well-defined.
var byteOrder = binary.LittleEndian

// Writer frames outgoing messages on a byte stream. Messages are buffered;
// callers flush at the protocol's logical step boundaries (after the
// connect request, after activate+start-stream, and so on) so the peer can
// respond deterministically.
type Writer struct {
	*bufio.Writer
}

// NewWriter wraps w in a buffered message writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bufio.NewWriter(w)}
}

// WriteID writes a message-ID tag.
func (w *Writer) WriteID(id MessageID) error {
	return binary.Write(w.Writer, byteOrder, uint16(id))
}

// WriteUint32 writes a uint32 payload field.
func (w *Writer) WriteUint32(v uint32) error {
	return binary.Write(w.Writer, byteOrder, v)
}

// WriteInt32 writes an int32 payload field.
func (w *Writer) WriteInt32(v int32) error {
	return binary.Write(w.Writer, byteOrder, v)
}

// WriteMessage writes a payload-less message and flushes it.
func (w *Writer) WriteMessage(id MessageID) error {
	if err := w.WriteID(id); err != nil {
		return err
	}
	return w.Flush()
}

// Reader decodes incoming messages from a byte stream.
type Reader struct {
	*bufio.Reader
}

// NewReader wraps r in a buffered message reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{bufio.NewReader(r)}
}

// ReadID reads the next message-ID tag. A connection closed between
// messages surfaces as io.EOF; a close mid-tag as io.ErrUnexpectedEOF.
func (r *Reader) ReadID() (MessageID, error) {
	var v uint16
	if err := binary.Read(r.Reader, byteOrder, &v); err != nil {
		return 0, err
	}
	return MessageID(v), nil
}

// ReadUint32 reads a uint32 payload field.
func (r *Reader) ReadUint32() (uint32, error) {
	var v uint32
	err := binary.Read(r.Reader, byteOrder, &v)
	return v, err
}

// ReadInt32 reads an int32 payload field.
func (r *Reader) ReadInt32() (int32, error) {
	var v int32
	err := binary.Read(r.Reader, byteOrder, &v)
	return v, err
}
