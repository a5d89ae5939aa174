// Package entropy provides the randomness sources for challenges and
// differential privacy noise.
package entropy

import (
	"crypto/rand"
	"io"
)

// GetRandom reads n bytes from source, falling back to crypto/rand when
// source is nil or fails to deliver.
func GetRandom(source io.Reader, n uint32) ([]byte, error) {
	if source == nil {
		source = rand.Reader
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(source, b); err != nil {
		_, err := io.ReadFull(rand.Reader, b)
		return b, err
	}
	return b, nil
}

// Reader is an io.Reader with the same fallback as GetRandom. The zero value
// reads from crypto/rand.
type Reader struct {
	Source io.Reader
}

// NewReader wraps source.
func NewReader(source io.Reader) *Reader {
	return &Reader{Source: source}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.Source != nil {
		if n, err := io.ReadFull(r.Source, p); err == nil {
			return n, nil
		}
	}
	return io.ReadFull(rand.Reader, p)
}
