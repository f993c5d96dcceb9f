package imagesink

import (
	"image"
	"sync"
)

// MemorySink keeps the last written image.
type MemorySink struct {
	mu  sync.Mutex
	img *image.RGBA
}

// Write converts the pixels and stores the result.
func (s *MemorySink) Write(width, height int, format PixelFormat, pixels []byte) error {
	img, err := ToImage(width, height, format, pixels)
	if err != nil {
		return &EncodeError{Target: "memory", Reason: err.Error()}
	}
	s.mu.Lock()
	s.img = img
	s.mu.Unlock()
	return nil
}

// Image returns the last written image, or nil.
func (s *MemorySink) Image() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img
}
