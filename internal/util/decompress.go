package util

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// DecodeResponseBody reads and fully decodes an HTTP response body according
// to its Content-Encoding header. Outbound Warp calls advertise
// "accept-encoding: gzip, br", so both codings must be handled; identity and
// unknown encodings are read as-is. The response body is not closed.
func DecodeResponseBody(resp *http.Response) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("util: gzip reader: %w", err)
		}
		defer func() {
			_ = reader.Close()
		}()
		return io.ReadAll(reader)
	case "br":
		return io.ReadAll(brotli.NewReader(resp.Body))
	default:
		return io.ReadAll(resp.Body)
	}
}
