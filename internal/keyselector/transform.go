package keyselector

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/wudi/dataplane/internal/config"
)

// Transform rewrites an extracted key in place and returns it.
type Transform func(key []byte) []byte

// NewTransform builds the transform described by spec.
func NewTransform(spec config.TransformSpec) (Transform, error) {
	switch spec.Name {
	case "lowercase":
		return lowercase, nil
	case "remove-query-params":
		return removeQueryParams, nil
	case "strip-trailing-slash":
		return stripTrailingSlash, nil
	case "truncate":
		raw, ok := spec.Params["length"]
		if !ok {
			return nil, fmt.Errorf("truncate: missing length param")
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("truncate: invalid length %q", raw)
		}
		return truncate(n), nil
	default:
		return nil, fmt.Errorf("unknown transform: %s", spec.Name)
	}
}

// NewTransforms builds an ordered transform pipeline.
func NewTransforms(specs []config.TransformSpec) ([]Transform, error) {
	out := make([]Transform, 0, len(specs))
	for _, s := range specs {
		t, err := NewTransform(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ASCII only; multi-byte sequences pass through untouched.
func lowercase(key []byte) []byte {
	for i, c := range key {
		if 'A' <= c && c <= 'Z' {
			key[i] = c + ('a' - 'A')
		}
	}
	return key
}

func removeQueryParams(key []byte) []byte {
	if i := bytes.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}

func stripTrailingSlash(key []byte) []byte {
	for len(key) > 1 && key[len(key)-1] == '/' {
		key = key[:len(key)-1]
	}
	return key
}

func truncate(n int) Transform {
	return func(key []byte) []byte {
		if len(key) > n {
			return key[:n]
		}
		return key
	}
}
