package session

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("playback buffer full")

// AudioBuffer holds synthesized clips for clients that have no audio socket attached.
// Clips are handed out oldest first.
type AudioBuffer struct {
	clips     [][]byte
	totalSize int
	maxSize   int
	mu        sync.Mutex
}

// NewAudioBuffer creates a buffer with the specified maximum size in bytes
func NewAudioBuffer(maxSize int) *AudioBuffer {
	return &AudioBuffer{
		clips:   make([][]byte, 0),
		maxSize: maxSize,
	}
}

// MaxSize returns the maximum buffer size
func (ab *AudioBuffer) MaxSize() int {
	return ab.maxSize
}

// Push queues one clip.
// Returns ErrBufferFull if adding the clip would exceed maxSize
func (ab *AudioBuffer) Push(clip []byte) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	newSize := ab.totalSize + len(clip)
	if newSize > ab.maxSize {
		return ErrBufferFull
	}

	ab.clips = append(ab.clips, clip)
	ab.totalSize = newSize
	return nil
}

// Pop removes and returns the oldest clip.
func (ab *AudioBuffer) Pop() ([]byte, bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if len(ab.clips) == 0 {
		return nil, false
	}
	clip := ab.clips[0]
	ab.clips[0] = nil
	ab.clips = ab.clips[1:]
	ab.totalSize -= len(clip)
	return clip, true
}

// Clear empties the buffer without returning data
func (ab *AudioBuffer) Clear() {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	ab.clips = make([][]byte, 0)
	ab.totalSize = 0
}

// Size returns the current total buffered bytes
func (ab *AudioBuffer) Size() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.totalSize
}

// Len returns the number of queued clips
func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.clips)
}
