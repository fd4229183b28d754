package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Writer emits one JSON message per line and flushes after each one, since the
// reader on the other end blocks on whole lines.
type Writer struct {
	buf *bufio.Writer
	enc *json.Encoder
}

// NewWriter wraps out.
func NewWriter(out io.Writer) *Writer {
	buf := bufio.NewWriter(out)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	return &Writer{buf: buf, enc: enc}
}

// Write encodes msg followed by a newline and flushes it.
func (w *Writer) Write(msg any) error {
	err := w.enc.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = w.buf.Flush()
	if err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}

	return nil
}
