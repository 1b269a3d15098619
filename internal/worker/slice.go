package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"streampipe/internal/media"
)

// SliceEncoder is the built-in Encoder for deployments without an external
// encoding engine: it slices the raw source bytes into fixed-duration chunks
// without transcoding. Source refs of the form "upload://<name>" resolve to
// files under Root; anything else is rejected as fatal.
type SliceEncoder struct {
	Root          string
	ChunkBytes    int
	ChunkDuration float64
}

// Open implements Encoder.
func (e *SliceEncoder) Open(_ context.Context, sourceRef string, _ media.Resolution) (ChunkReader, error) {
	name, ok := strings.CutPrefix(sourceRef, "upload://")
	if !ok || name == "" || strings.Contains(name, "..") {
		return nil, media.Fatal(fmt.Sprintf("unsupported source ref %q", sourceRef), nil)
	}

	f, err := os.Open(filepath.Join(e.Root, filepath.FromSlash(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, media.Fatal("source not found", err)
		}
		return nil, media.Transient(fmt.Errorf("open source %s: %w", name, err))
	}

	chunkBytes := e.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 1 << 20
	}
	duration := e.ChunkDuration
	if duration <= 0 {
		duration = 4
	}
	return &sliceReader{f: f, chunkBytes: chunkBytes, duration: duration}, nil
}

type sliceReader struct {
	f          *os.File
	chunkBytes int
	duration   float64
	seq        int64
}

func (r *sliceReader) Next() (Chunk, error) {
	buf := make([]byte, r.chunkBytes)
	n, err := io.ReadFull(r.f, buf)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Chunk{}, io.EOF
		}
		return Chunk{}, media.Transient(fmt.Errorf("read source: %w", err))
	}
	r.seq++
	return Chunk{Sequence: r.seq, Duration: r.duration, Data: buf[:n]}, nil
}

func (r *sliceReader) Close() error { return r.f.Close() }
