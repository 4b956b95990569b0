// Package stream relays provider tokens to a sink and guarantees a single terminal marker per run.
package stream

import "github.com/ashureev/shsh-actions/internal/shared"

// ChunkType distinguishes tokens from terminal markers.
type ChunkType string

const (
	ChunkToken     ChunkType = "token"
	ChunkCompleted ChunkType = "completed"
	ChunkCancelled ChunkType = "cancelled"
	ChunkError     ChunkType = "error"
)

// Terminal reports whether the chunk ends a stream.
func (t ChunkType) Terminal() bool {
	return t == ChunkCompleted || t == ChunkCancelled || t == ChunkError
}

// Chunk is one unit delivered to a client.
type Chunk struct {
	Type     ChunkType                `json:"type"`
	StreamID string                   `json:"streamId"`
	Seq      int                      `json:"seq"`
	Data     string                   `json:"data,omitempty"`
	Kind     shared.ProviderErrorKind `json:"kind,omitempty"`
}

// Token builds a token chunk.
func Token(streamID string, seq int, data string) Chunk {
	return Chunk{Type: ChunkToken, StreamID: streamID, Seq: seq, Data: data}
}

// Completed builds the completed marker.
func Completed(streamID string, seq int) Chunk {
	return Chunk{Type: ChunkCompleted, StreamID: streamID, Seq: seq}
}

// Cancelled builds the cancelled marker.
func Cancelled(streamID string, seq int) Chunk {
	return Chunk{Type: ChunkCancelled, StreamID: streamID, Seq: seq}
}

// Failure builds the error marker.
func Failure(streamID string, seq int, kind shared.ProviderErrorKind, msg string) Chunk {
	return Chunk{Type: ChunkError, StreamID: streamID, Seq: seq, Kind: kind, Data: msg}
}
