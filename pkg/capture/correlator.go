package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultWindow is the conversation bucketing window.
const DefaultWindow = 300 * time.Second

// Correlator groups requests from the same client IP and user agent within a
// fixed time window. Nothing is stored: two requests either side of a window
// boundary get different ids, and clients sharing an IP and user agent share
// one.
type Correlator struct {
	Window time.Duration
}

// ID returns "conv_" followed by 16 hex characters. It depends only on the
// client IP, the user agent and the window index of at.
func (c Correlator) ID(clientIP, userAgent string, at time.Time) string {
	input := clientIP + ":" + userAgent + ":" + strconv.FormatInt(c.WindowIndex(at), 10)
	sum := sha256.Sum256([]byte(input))
	return "conv_" + hex.EncodeToString(sum[:8])
}

// WindowIndex is epoch seconds integer-divided by the window length.
func (c Correlator) WindowIndex(at time.Time) int64 {
	window := int64(c.Window / time.Second)
	if window <= 0 {
		window = int64(DefaultWindow / time.Second)
	}
	return at.Unix() / window
}
