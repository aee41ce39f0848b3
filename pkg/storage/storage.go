// Package storage persists team histories. Links are stored individually,
// keyed by team and hash, so saving is append-only and idempotent.
package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"teamtrust/pkg/history"
	"teamtrust/pkg/types"
)

// Store is a durable home for team histories
type Store interface {
	SaveLinks(teamID types.Hash, links []*history.Link) error
	LoadGraph(teamID types.Hash) (*history.Graph, error)
	Teams() ([]types.Hash, error)
	Close() error
}

var (
	ErrNotFound = errors.New("team not found")
	ErrCorrupt  = errors.New("stored link is corrupt")
)

const (
	formatRaw  byte = 0
	formatGzip byte = 1
)

// linkCodec turns links into stored values. The first byte records the
// format so either setting can read what the other wrote.
type linkCodec struct {
	compress         bool
	compressionLevel int
}

func newLinkCodec(compress bool, level int) linkCodec {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return linkCodec{compress: compress, compressionLevel: level}
}

func (c linkCodec) encode(l *history.Link) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal link: %w", err)
	}
	if !c.compress {
		return append([]byte{formatRaw}, data...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(formatGzip)
	writer, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to compress link: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (c linkCodec) decode(value []byte) (*history.Link, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrCorrupt)
	}
	data := value[1:]
	switch value[0] {
	case formatRaw:
	case formatGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer reader.Close()
		if data, err = io.ReadAll(reader); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorrupt, value[0])
	}
	var l history.Link
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &l, nil
}
