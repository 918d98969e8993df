package keyselector

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// PartKind identifies what a template part extracts.
type PartKind int

const (
	PartLiteral PartKind = iota
	PartURIPath
	PartClientIP
	PartUserAgent
	PartHeader
	PartCookie
	PartQueryParams
)

// Part is one element of a key template.
type Part struct {
	Kind PartKind
	// Value is the literal text, the header name (lowercased), the cookie
	// name, or the query parameter names joined with '&'.
	Value string
	names []string
}

// Template is a parsed key template such as "prefix-${header-x-id}".
type Template struct {
	Parts []Part
}

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ParseTemplate parses a key template. Text outside ${...} is literal.
func ParseTemplate(src string) (Template, error) {
	var parts []Part
	last := 0
	for _, loc := range variablePattern.FindAllStringSubmatchIndex(src, -1) {
		if loc[0] > last {
			parts = append(parts, Part{Kind: PartLiteral, Value: src[last:loc[0]]})
		}
		p, err := parseVariable(src[loc[2]:loc[3]])
		if err != nil {
			return Template{}, err
		}
		parts = append(parts, p)
		last = loc[1]
	}
	if last < len(src) {
		parts = append(parts, Part{Kind: PartLiteral, Value: src[last:]})
	}
	if len(parts) == 0 {
		parts = append(parts, Part{Kind: PartLiteral})
	}
	return Template{Parts: parts}, nil
}

// MustParseTemplate is like ParseTemplate but panics on error.
func MustParseTemplate(src string) Template {
	t, err := ParseTemplate(src)
	if err != nil {
		panic(err)
	}
	return t
}

func parseVariable(v string) (Part, error) {
	switch {
	case v == "uri-path":
		return Part{Kind: PartURIPath}, nil
	case v == "client-ip":
		return Part{Kind: PartClientIP}, nil
	case v == "user-agent":
		return Part{Kind: PartUserAgent}, nil
	case strings.HasPrefix(v, "header-"):
		name := strings.ToLower(strings.TrimPrefix(v, "header-"))
		if name == "" {
			return Part{}, fmt.Errorf("empty header name")
		}
		return Part{Kind: PartHeader, Value: name}, nil
	case strings.HasPrefix(v, "cookie-"):
		name := strings.TrimPrefix(v, "cookie-")
		if name == "" {
			return Part{}, fmt.Errorf("empty cookie name")
		}
		return Part{Kind: PartCookie, Value: name}, nil
	case strings.HasPrefix(v, "query?"):
		names := strings.TrimPrefix(v, "query?")
		if names == "" {
			return Part{}, fmt.Errorf("empty query param name")
		}
		return Part{Kind: PartQueryParams, Value: names, names: strings.Split(names, "&")}, nil
	default:
		return Part{}, fmt.Errorf("unknown variable: %s", v)
	}
}

// appendTo appends the bytes of every part extracted from r to buf.
// Missing values contribute nothing.
func (t Template) appendTo(buf []byte, r *http.Request) []byte {
	for _, p := range t.Parts {
		switch p.Kind {
		case PartLiteral:
			buf = append(buf, p.Value...)
		case PartURIPath:
			buf = append(buf, r.URL.EscapedPath()...)
		case PartClientIP:
			buf = append(buf, ClientIP(r)...)
		case PartUserAgent:
			buf = append(buf, r.UserAgent()...)
		case PartHeader:
			buf = append(buf, r.Header.Get(p.Value)...)
		case PartCookie:
			if c, err := r.Cookie(p.Value); err == nil {
				buf = append(buf, c.Value...)
			}
		case PartQueryParams:
			q := r.URL.Query()
			for _, name := range p.names {
				if vs, ok := q[name]; ok && len(vs) > 0 {
					buf = append(buf, vs[0]...)
				}
			}
		}
	}
	return buf
}

// ClientIP returns the peer address of the connection without the port.
// Forwarding headers are not trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
