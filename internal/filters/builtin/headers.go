package builtin

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/wudi/dataplane/internal/filters"
)

type headerUpsert struct {
	key, value string
}

func parseUpsert(settings map[string]string) (*headerUpsert, error) {
	key, err := required(settings, "key")
	if err != nil {
		return nil, err
	}
	return &headerUpsert{key: key, value: settings["value"]}, nil
}

func (h *headerUpsert) apply(hdr http.Header) {
	hdr.Del(h.key)
	hdr.Set(h.key, h.value)
}

func newRequestUpsertHeader(settings map[string]string) (filters.Instance, error) {
	h, err := parseUpsert(settings)
	if err != nil {
		return filters.Instance{}, err
	}
	return filters.Request(filters.RequestFunc(func(_ *filters.Session, out *http.Request) error {
		h.apply(out.Header)
		return nil
	})), nil
}

func newResponseUpsertHeader(settings map[string]string) (filters.Instance, error) {
	h, err := parseUpsert(settings)
	if err != nil {
		return filters.Instance{}, err
	}
	return filters.Response(filters.ResponseFunc(func(_ *filters.Session, resp *http.Response) error {
		h.apply(resp.Header)
		return nil
	})), nil
}

type headerRemove struct {
	pattern *regexp.Regexp
}

func parseRemove(settings map[string]string) (*headerRemove, error) {
	pattern, err := required(settings, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}
	return &headerRemove{pattern: re}, nil
}

// apply removes every header whose canonical name matches.
func (h *headerRemove) apply(hdr http.Header) {
	for name := range hdr {
		if h.pattern.MatchString(name) {
			delete(hdr, name)
		}
	}
}

func newRequestRemoveHeader(settings map[string]string) (filters.Instance, error) {
	h, err := parseRemove(settings)
	if err != nil {
		return filters.Instance{}, err
	}
	return filters.Request(filters.RequestFunc(func(_ *filters.Session, out *http.Request) error {
		h.apply(out.Header)
		return nil
	})), nil
}

func newResponseRemoveHeader(settings map[string]string) (filters.Instance, error) {
	h, err := parseRemove(settings)
	if err != nil {
		return filters.Instance{}, err
	}
	return filters.Response(filters.ResponseFunc(func(_ *filters.Session, resp *http.Response) error {
		h.apply(resp.Header)
		return nil
	})), nil
}
