package capture

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ResponseBuffer keeps the first limit bytes written to it and silently
// discards the rest. Writes never fail, so it is safe to tee into while
// streaming to the client.
type ResponseBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func NewResponseBuffer(limit int64) *ResponseBuffer {
	return &ResponseBuffer{limit: limit}
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buf.Len())
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case int64(len(p)) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *ResponseBuffer) Bytes() []byte { return b.buf.Bytes() }

// Truncated reports whether anything was discarded.
func (b *ResponseBuffer) Truncated() bool { return b.truncated }

// DecodeBody undoes the response Content-Encoding for capture purposes. The
// client always receives the original bytes. Unknown encodings are returned
// unchanged.
func DecodeBody(encoding string, body []byte) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		defer zr.Close()
		r = zr
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd response: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return body, nil
	}

	out, err := io.ReadAll(r)
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("decode %s response: %w", encoding, err)
	}
	// A truncated capture decodes to a prefix; keep whatever came out.
	return out, nil
}
