package storage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Codec serializes snapshots as gzip-compressed JSON. A zero Codec uses the
// default compression level.
type Codec struct {
	Level int
}

func (c Codec) level() int {
	if c.Level == 0 {
		return gzip.DefaultCompression
	}
	return c.Level
}

func (c Codec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level())
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c Codec) Decode(data []byte, v any) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("gunzip snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
