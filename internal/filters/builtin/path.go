package builtin

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/wudi/dataplane/internal/filters"
)

type rewritePath struct {
	pattern *regexp.Regexp
	replace string
}

func newRewritePath(settings map[string]string) (filters.Instance, error) {
	pattern, err := required(settings, "pattern")
	if err != nil {
		return filters.Instance{}, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return filters.Instance{}, fmt.Errorf("pattern: %w", err)
	}
	return filters.Request(&rewritePath{pattern: re, replace: settings["replace"]}), nil
}

func (f *rewritePath) ModifyRequest(_ *filters.Session, out *http.Request) error {
	p := f.pattern.ReplaceAllString(out.URL.Path, f.replace)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	setPath(out, p)
	return nil
}

type stripPrefix struct {
	prefix string
}

func newStripPrefix(settings map[string]string) (filters.Instance, error) {
	prefix, err := required(settings, "prefix")
	if err != nil {
		return filters.Instance{}, err
	}
	return filters.Request(&stripPrefix{prefix: strings.TrimSuffix(prefix, "/")}), nil
}

func (f *stripPrefix) ModifyRequest(_ *filters.Session, out *http.Request) error {
	p := out.URL.Path
	if f.prefix == "" || !strings.HasPrefix(p, f.prefix) {
		return nil
	}
	rest := p[len(f.prefix):]
	if rest != "" && rest[0] != '/' {
		// "/apiary" does not start with the path prefix "/api".
		return nil
	}
	if rest == "" {
		rest = "/"
	}
	setPath(out, rest)
	return nil
}

func setPath(out *http.Request, p string) {
	out.URL.Path = p
	out.URL.RawPath = ""
}
