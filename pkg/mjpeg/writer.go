package mjpeg

import (
	"fmt"
	"io"
	"net/http"
)

const DefaultBoundary = "camitoframe"

// Writer writes JPEG frames as parts of a multipart/x-mixed-replace body.
type Writer struct {
	w        io.Writer
	boundary string
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, boundary: DefaultBoundary}
}

func (w *Writer) ContentType() string {
	return "multipart/x-mixed-replace; boundary=" + w.boundary
}

// WriteFrame writes one part and flushes it to the client when the
// underlying writer supports it.
func (w *Writer) WriteFrame(frame []byte) error {
	if _, err := fmt.Fprintf(w.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", w.boundary, len(frame)); err != nil {
		return fmt.Errorf("mjpeg: write part header: %w", err)
	}

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("mjpeg: write frame: %w", err)
	}

	if _, err := io.WriteString(w.w, "\r\n"); err != nil {
		return fmt.Errorf("mjpeg: write part trailer: %w", err)
	}

	if flusher, ok := w.w.(http.Flusher); ok {
		flusher.Flush()
	}

	return nil
}
