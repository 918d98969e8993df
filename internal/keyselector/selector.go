// Package keyselector extracts a byte key from an HTTP request using key
// templates, applies transforms, and hashes the result.
package keyselector

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/wudi/dataplane/internal/config"
)

// Selector extracts, transforms and hashes request keys. It is immutable
// after construction and safe for concurrent use.
type Selector struct {
	templates  []Template
	transforms []Transform
	hash       Hasher
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 128)
		return &b
	},
}

// New builds a Selector from a key profile.
func New(p config.KeyProfile) (*Selector, error) {
	primary, err := ParseTemplate(p.Source)
	if err != nil {
		return nil, fmt.Errorf("source template: %w", err)
	}
	templates := []Template{primary}
	if p.Fallback != "" {
		fb, err := ParseTemplate(p.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback template: %w", err)
		}
		templates = append(templates, fb)
	}

	transforms, err := NewTransforms(p.Transforms)
	if err != nil {
		return nil, err
	}
	hash, err := NewHasher(p.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Selector{templates: templates, transforms: transforms, hash: hash}, nil
}

// NewFromTemplate builds a Selector from a single template source, used by
// rate-limit policies which carry their own key.
func NewFromTemplate(src string, transforms []config.TransformSpec) (*Selector, error) {
	return New(config.KeyProfile{Source: src, Transforms: transforms})
}

// Select extracts the key. Templates are tried in order and extraction
// stops at the first one yielding bytes. Transforms run regardless; found
// is false when no template produced anything.
func (s *Selector) Select(r *http.Request) (key []byte, found bool) {
	return s.selectInto(nil, r)
}

func (s *Selector) selectInto(buf []byte, r *http.Request) ([]byte, bool) {
	buf = buf[:0]
	found := false
	for _, t := range s.templates {
		buf = t.appendTo(buf[:0], r)
		if len(buf) > 0 {
			found = true
			break
		}
	}
	for _, tr := range s.transforms {
		buf = tr(buf)
	}
	return buf, found
}

// Hash hashes key bytes. It is pure.
func (s *Selector) Hash(key []byte) uint64 {
	return s.hash(key)
}

// Key extracts and hashes in one step without retaining the key bytes.
func (s *Selector) Key(r *http.Request) (uint64, bool) {
	bp := bufPool.Get().(*[]byte)
	key, found := s.selectInto(*bp, r)
	h := s.hash(key)
	*bp = key[:0]
	bufPool.Put(bp)
	return h, found
}

// String extracts the transformed key as a string, for use as a storage key.
func (s *Selector) String(r *http.Request) (string, bool) {
	key, found := s.Select(r)
	return string(key), found
}
