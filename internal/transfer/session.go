// Package transfer moves byte streams to and from a device one chunk at a
// time, with pause, resume, cancel and bounded retries.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is returned by Run after Cancel took effect.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrFinished is returned when acting on a session in a terminal state.
	ErrFinished = errors.New("transfer already finished")
	// ErrRunning is returned when Run is called while another Run is active.
	ErrRunning = errors.New("transfer already running")
)

// Direction of a transfer relative to the host.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// State of a transfer session.
type State string

const (
	StateIdle       State = "idle"
	StateInProgress State = "in_progress"
	StatePaused     State = "paused"
	StateComplete   State = "complete"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// Session is the persistable state of one transfer. A zero Total on a
// download means the size has not been reported yet.
type Session struct {
	ID        string    `yaml:"id"`
	Direction Direction `yaml:"direction"`
	Total     int       `yaml:"total"`
	Offset    int       `yaml:"offset"`
	ChunkSize int       `yaml:"chunk_size"`
	State     State     `yaml:"state"`
	Retries   int       `yaml:"retries"`
	Hash      string    `yaml:"hash,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

func (s Session) String() string {
	return fmt.Sprintf("%s %s %d/%d (%s)", s.Direction, s.ID, s.Offset, s.Total, s.State)
}

// Remaining returns how many bytes are still to be moved, or -1 when the
// total is unknown.
func (s Session) Remaining() int {
	if s.Direction == Download && s.Total == 0 && s.Offset == 0 {
		return -1
	}
	if s.Offset >= s.Total {
		return 0
	}
	return s.Total - s.Offset
}

// Uploader writes one chunk at s.Offset and returns the offset the device
// acknowledged.
type Uploader interface {
	WriteChunk(ctx context.Context, s Session, chunk []byte) (int, error)
}

// Chunk is one piece of a download as reported by the device. Total is only
// meaningful on the first chunk.
type Chunk struct {
	Offset int
	Data   []byte
	Total  int
}

// Downloader reads the chunk at s.Offset.
type Downloader interface {
	ReadChunk(ctx context.Context, s Session) (Chunk, error)
}

// ChunkSizer is implemented by uploaders and downloaders that know the
// largest chunk their link carries.
type ChunkSizer interface {
	ChunkSize() int
}

// ProgressFunc is called after every acknowledged chunk.
type ProgressFunc func(transferred, total int, at time.Time)
