package worker

import (
	"context"

	"streampipe/internal/media"
)

// Chunk is one fixed-duration slice of encoded output for a single
// resolution.
type Chunk struct {
	Sequence int64
	Duration float64
	Data     []byte
}

// ChunkReader yields one resolution's chunks in sequence order. Next returns
// io.EOF after the final chunk.
type ChunkReader interface {
	Next() (Chunk, error)
	Close() error
}

// Encoder is the boundary to the external encoding engine. Open returns a
// *media.FatalError for a malformed source (unreadable container, zero
// duration) and a *media.TransientError for blips worth retrying; codec
// internals and bitrate-ladder tuning live behind this interface.
type Encoder interface {
	Open(ctx context.Context, sourceRef string, resolution media.Resolution) (ChunkReader, error)
}
