package body

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	errTooLarge            = errors.New("request body too large")
	errUnsupportedEncoding = errors.New("unsupported content encoding")
)

// decoder returns a reader producing the decoded body for the given
// Content-Encoding. identity and empty encodings return r unchanged.
func decoder(r io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.TrimSpace(strings.ToLower(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case "deflate":
		return flate.NewReader(r), nil
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, encoding)
}

// readLimited reads all of r, failing with errTooLarge past max bytes.
// Decoded bodies are limited after decoding, which also guards against
// compression bombs.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errTooLarge
	}
	return b, nil
}
