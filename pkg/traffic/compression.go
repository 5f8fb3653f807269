package traffic

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressionType represents the content coding of a captured body
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionGzip
	CompressionDeflate
	CompressionBrotli
	CompressionUnknown
)

// String returns the Content-Encoding token for the compression type
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionDeflate:
		return "deflate"
	case CompressionBrotli:
		return "br"
	default:
		return "unknown"
	}
}

// DetectCompressionType detects compression type from a Content-Encoding header.
// For stacked codings ("gzip, br") the outermost (last applied) one is reported.
func DetectCompressionType(contentEncoding string) CompressionType {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	if encoding == "" || encoding == "identity" {
		return CompressionNone
	}

	codings := strings.Split(encoding, ",")
	switch strings.TrimSpace(codings[len(codings)-1]) {
	case "gzip", "x-gzip":
		return CompressionGzip
	case "deflate":
		return CompressionDeflate
	case "br", "brotli":
		return CompressionBrotli
	case "identity", "":
		return CompressionNone
	}
	return CompressionUnknown
}

// DecodeBody decompresses body according to contentEncoding. A positive
// limit stops decoding after limit+1 bytes so callers can tell the output
// was cut; zero or less decodes everything.
func DecodeBody(body []byte, contentEncoding string, limit int64) ([]byte, error) {
	compressionType := DetectCompressionType(contentEncoding)
	if len(body) == 0 {
		return body, nil
	}

	switch compressionType {
	case CompressionNone:
		return body, nil
	case CompressionGzip:
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer reader.Close()
		return readAllDecoded(reader, "gzip", limit)
	case CompressionDeflate:
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		return readAllDecoded(reader, "deflate", limit)
	case CompressionBrotli:
		return readAllDecoded(brotli.NewReader(bytes.NewReader(body)), "brotli", limit)
	default:
		return nil, fmt.Errorf("unknown compression type: %s", contentEncoding)
	}
}

func readAllDecoded(r io.Reader, name string, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	result, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s data: %w", name, err)
	}
	return result, nil
}

// IsTextLikeContent checks whether a body is worth printing as text.
func IsTextLikeContent(data []byte, contentType string) bool {
	if len(data) == 0 {
		return true
	}

	contentType = strings.ToLower(contentType)
	if strings.Contains(contentType, "text/") ||
		strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "xml") ||
		strings.Contains(contentType, "javascript") ||
		strings.Contains(contentType, "application/x-www-form-urlencoded") {
		return true
	}

	// more than 80% printable bytes counts as text
	printableCount := 0
	for _, b := range data {
		if (b >= 32 && b <= 126) || b == 9 || b == 10 || b == 13 {
			printableCount++
		}
	}
	return float64(printableCount)/float64(len(data)) > 0.8
}
