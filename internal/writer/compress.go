package writer

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"strings"
)

// Codec selects the request body compression.
type Codec string

const (
	CodecGzip    Codec = "gzip"
	CodecDeflate Codec = "deflate"
	CodecNone    Codec = "none"
)

const defaultCompressionLevel = 6

func normalizeCodec(s string) Codec {
	switch strings.ToLower(s) {
	case "deflate":
		return CodecDeflate
	case "none", "identity", "":
		return CodecNone
	default:
		return CodecGzip
	}
}

// compress encodes body with the given codec and returns the payload
// plus the Content-Encoding value to send. CodecNone (and any encoder
// failure, handled by the caller) maps to "identity".
func compress(body []byte, codec Codec, level int) ([]byte, string, error) {
	if level <= 0 || level > 9 {
		level = defaultCompressionLevel
	}
	switch codec {
	case CodecGzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, "", err
		}
		if _, err := zw.Write(body); err != nil {
			return nil, "", err
		}
		if err := zw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	case CodecDeflate:
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(body); err != nil {
			return nil, "", err
		}
		if err := fw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "deflate", nil
	default:
		return body, "identity", nil
	}
}
