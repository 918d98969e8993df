package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/wudi/dataplane/internal/filters"
)

// Instance builds the filter instance of a declared filter. args become
// visible to the guest in the serialized context and as args.* properties.
func (m *Module) Instance(filter string, args map[string]string) (filters.Instance, error) {
	fe, ok := m.exports[filter]
	if !ok {
		return filters.Instance{}, fmt.Errorf("plugin %q does not provide filter %q", m.name, filter)
	}
	pf := &pluginFilter{module: m, filter: filter, export: fe.export, args: args}
	switch fe.kind {
	case filters.KindAction:
		return filters.Action(filters.ActionFunc(pf.action)), nil
	case filters.KindRequest:
		return filters.Request(filters.RequestFunc(pf.request)), nil
	default:
		return filters.Response(filters.ResponseFunc(pf.response)), nil
	}
}

type pluginFilter struct {
	module *Module
	filter string
	export string
	args   map[string]string
}

func (f *pluginFilter) requestState(s *filters.Session, r *http.Request) *hostState {
	return &hostState{
		req:        r,
		reqHeaders: r.Header.Clone(),
		service:    s.Service,
		route:      s.Route,
		clientIP:   s.ClientIP,
		args:       f.args,
		bodySrc:    r.Body,
		logger:     s.Logger(),
	}
}

func (f *pluginFilter) requestContext(hs *hostState) []byte {
	r := hs.req
	data, _ := json.Marshal(RequestContext{
		Filter:   f.filter,
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Host:     r.Host,
		Scheme:   schemeFromRequest(r),
		Service:  hs.service,
		Route:    hs.route,
		ClientIP: hs.clientIP,
		Headers:  flattenHeaders(hs.reqHeaders),
		Args:     f.args,
	})
	return data
}

// action runs an action export against the inbound request.
func (f *pluginFilter) action(s *filters.Session) (bool, error) {
	r := s.Request
	hs := f.requestState(s, r)
	action, err := f.module.invoke(r.Context(), f.export, hs, f.requestContext(hs))
	if err != nil {
		return false, err
	}

	if action == ActionSendResponse && hs.earlyResponse != nil {
		if hs.bodyLoaded && !hs.bodyChanged {
			restoreRequestBody(r, hs.body)
		}
		s.Writer.WriteHeader(hs.earlyResponse.StatusCode)
		if len(hs.earlyResponse.Body) > 0 {
			s.Writer.Write(hs.earlyResponse.Body)
		}
		return true, nil
	}

	r.Header = hs.reqHeaders
	if hs.bodyLoaded {
		restoreRequestBody(r, hs.body)
	}
	return false, nil
}

// request runs a request export against the outgoing upstream request.
func (f *pluginFilter) request(s *filters.Session, out *http.Request) error {
	hs := f.requestState(s, out)
	action, err := f.module.invoke(out.Context(), f.export, hs, f.requestContext(hs))
	if err != nil {
		return err
	}
	if hs.bodyLoaded {
		restoreRequestBody(out, hs.body)
	}
	if action == ActionSendResponse {
		return fmt.Errorf("plugin %q: request filter %q cannot send a response", f.module.name, f.filter)
	}
	out.Header = hs.reqHeaders
	return nil
}

// response runs a response export against the upstream response.
func (f *pluginFilter) response(s *filters.Session, resp *http.Response) error {
	hs := &hostState{
		req:         s.Request,
		reqHeaders:  s.Request.Header,
		respHeaders: resp.Header.Clone(),
		status:      resp.StatusCode,
		service:     s.Service,
		route:       s.Route,
		clientIP:    s.ClientIP,
		args:        f.args,
		bodySrc:     resp.Body,
		logger:      s.Logger(),
	}
	data, _ := json.Marshal(ResponseContext{
		Filter:     f.filter,
		StatusCode: resp.StatusCode,
		Service:    s.Service,
		Route:      s.Route,
		Headers:    flattenHeaders(hs.respHeaders),
		Args:       f.args,
	})

	action, err := f.module.invoke(s.Request.Context(), f.export, hs, data)
	if err != nil {
		if hs.bodyLoaded {
			replaceResponseBody(resp, hs.body)
		}
		return err
	}

	resp.Header = hs.respHeaders
	if action == ActionSendResponse && hs.earlyResponse != nil {
		resp.StatusCode = hs.earlyResponse.StatusCode
		resp.Status = strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
		if !hs.bodyLoaded && resp.Body != nil {
			resp.Body.Close()
		}
		replaceResponseBody(resp, hs.earlyResponse.Body)
		return nil
	}
	if hs.bodyLoaded {
		replaceResponseBody(resp, hs.body)
	}
	return nil
}

func restoreRequestBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	if len(body) == 0 {
		r.Body = http.NoBody
	}
}

func replaceResponseBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Del("Transfer-Encoding")
}
