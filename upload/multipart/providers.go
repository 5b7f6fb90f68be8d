package multipart

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// FilePartProvider reads parts from a file on disk.
// Thread-safe for parallel part reads.
type FilePartProvider struct {
	file         *os.File
	partSize     int64
	lastPartSize int64
	numParts     int
	mu           sync.Mutex
}

// NewFilePartProvider creates a PartProvider that slices a local file into
// parts of the given size.
func NewFilePartProvider(path string, partSize int64) (*FilePartProvider, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat file: %w", err)
	}

	totalSize := info.Size()
	numParts := int(totalSize / partSize)
	lastPartSize := totalSize % partSize
	if lastPartSize > 0 {
		numParts++
	} else {
		lastPartSize = partSize
	}
	if totalSize == 0 {
		numParts = 1
		lastPartSize = 0
	}

	return &FilePartProvider{
		file:         file,
		partSize:     partSize,
		lastPartSize: lastPartSize,
		numParts:     numParts,
	}, nil
}

// NumParts returns the total number of parts.
func (p *FilePartProvider) NumParts() int {
	return p.numParts
}

// PartSize returns the size of the part at the given index.
func (p *FilePartProvider) PartSize(index int) int64 {
	if index == p.numParts-1 {
		return p.lastPartSize
	}
	return p.partSize
}

// GetPart returns a reader for the part at the given index.
// The data is read into memory to allow for retries.
func (p *FilePartProvider) GetPart(index int) (io.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.PartSize(index)
	offset := int64(index) * p.partSize

	part, err := io.ReadAll(io.NewSectionReader(p.file, offset, size))
	if err != nil {
		return nil, fmt.Errorf("read part %d: %w", index+1, err)
	}
	if int64(len(part)) != size {
		return nil, fmt.Errorf("part %d size mismatch, expected %d, got %d", index+1, size, len(part))
	}

	return bytes.NewReader(part), nil
}

// Close closes the underlying file.
func (p *FilePartProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// BytePartProvider provides parts from pre-loaded byte slices.
type BytePartProvider struct {
	parts [][]byte
}

// NewBytePartProvider creates a PartProvider from byte slices.
func NewBytePartProvider(parts [][]byte) *BytePartProvider {
	return &BytePartProvider{parts: parts}
}

// NumParts returns the total number of parts.
func (p *BytePartProvider) NumParts() int {
	return len(p.parts)
}

// PartSize returns the size of the part at the given index.
func (p *BytePartProvider) PartSize(index int) int64 {
	if index < 0 || index >= len(p.parts) {
		return 0
	}
	return int64(len(p.parts[index]))
}

// GetPart returns a reader for the part at the given index.
func (p *BytePartProvider) GetPart(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.parts) {
		return nil, fmt.Errorf("part index %d out of range [0, %d)", index, len(p.parts))
	}
	return bytes.NewReader(p.parts[index]), nil
}
