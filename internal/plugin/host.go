package plugin

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

type ctxKey struct{}

// hostState is the state host functions act on during one guest call.
type hostState struct {
	req         *http.Request
	reqHeaders  http.Header
	respHeaders http.Header
	status      int
	service     string
	route       string
	clientIP    string
	args        map[string]string

	// body is read lazily from bodySrc on the first host_get_body.
	bodySrc     io.ReadCloser
	body        []byte
	bodyLoaded  bool
	bodyChanged bool
	bodyErr     error

	earlyResponse *EarlyResponse
	logger        *zap.Logger
}

func contextWithHostState(ctx context.Context, hs *hostState) context.Context {
	return context.WithValue(ctx, ctxKey{}, hs)
}

func hostStateFromContext(ctx context.Context) *hostState {
	if v := ctx.Value(ctxKey{}); v != nil {
		return v.(*hostState)
	}
	return nil
}

// maxBodyBytes caps how much of a body a guest can read.
const maxBodyBytes = 10 << 20

func (hs *hostState) loadBody() []byte {
	if hs.bodyLoaded {
		return hs.body
	}
	hs.bodyLoaded = true
	if hs.bodySrc == nil {
		return nil
	}
	hs.body, hs.bodyErr = io.ReadAll(io.LimitReader(hs.bodySrc, maxBodyBytes))
	hs.bodySrc.Close()
	return hs.body
}

func (hs *hostState) headers(mapType uint32) http.Header {
	switch mapType {
	case MapTypeRequestHeaders:
		return hs.reqHeaders
	case MapTypeResponseHeaders:
		return hs.respHeaders
	default:
		return nil
	}
}

// readGuestString reads a string from guest memory at the given offset and length.
func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func readGuestBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	return mod.Memory().Read(ptr, length)
}

// writeGuestMemory writes data into guest memory at ptr. It returns the
// written length, or -1 when data exceeds cap or the range is invalid.
func writeGuestMemory(mod api.Module, ptr, cap uint32, data []byte) int32 {
	if uint32(len(data)) > cap {
		return -1
	}
	if len(data) == 0 {
		return 0
	}
	if !mod.Memory().Write(ptr, data) {
		return -1
	}
	return int32(len(data))
}

// instantiateHostModule registers the host_* functions as the "env" module.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	env := rt.NewHostModuleBuilder("env")

	env.NewFunctionBuilder().
		WithFunc(hostLog).
		WithParameterNames("level", "msg_ptr", "msg_len").
		Export("host_log")

	env.NewFunctionBuilder().
		WithFunc(hostGetHeader).
		WithParameterNames("map_type", "key_ptr", "key_len", "val_ptr", "val_cap").
		Export("host_get_header")

	env.NewFunctionBuilder().
		WithFunc(hostSetHeader).
		WithParameterNames("map_type", "key_ptr", "key_len", "val_ptr", "val_len").
		Export("host_set_header")

	env.NewFunctionBuilder().
		WithFunc(hostRemoveHeader).
		WithParameterNames("map_type", "key_ptr", "key_len").
		Export("host_remove_header")

	env.NewFunctionBuilder().
		WithFunc(hostGetBody).
		WithParameterNames("buf_ptr", "buf_cap").
		Export("host_get_body")

	env.NewFunctionBuilder().
		WithFunc(hostSetBody).
		WithParameterNames("buf_ptr", "buf_len").
		Export("host_set_body")

	env.NewFunctionBuilder().
		WithFunc(hostGetProperty).
		WithParameterNames("key_ptr", "key_len", "val_ptr", "val_cap").
		Export("host_get_property")

	env.NewFunctionBuilder().
		WithFunc(hostSendResponse).
		WithParameterNames("status", "body_ptr", "body_len").
		Export("host_send_response")

	_, err := env.Instantiate(ctx)
	return err
}

func hostLog(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil || hs.logger == nil {
		return
	}
	msg, ok := readGuestString(mod, msgPtr, msgLen)
	if !ok {
		return
	}
	switch level {
	case LogLevelTrace, LogLevelDebug:
		hs.logger.Debug("wasm plugin", zap.String("msg", msg))
	case LogLevelWarn:
		hs.logger.Warn("wasm plugin", zap.String("msg", msg))
	case LogLevelError:
		hs.logger.Error("wasm plugin", zap.String("msg", msg))
	default:
		hs.logger.Info("wasm plugin", zap.String("msg", msg))
	}
}

func hostGetHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen, valPtr, valCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return -1
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return -1
	}
	headers := hs.headers(mapType)
	if headers == nil {
		return -1
	}
	val := headers.Get(key)
	if val == "" {
		return 0
	}
	return writeGuestMemory(mod, valPtr, valCap, []byte(val))
}

func hostSetHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen, valPtr, valLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return
	}
	val, ok := readGuestString(mod, valPtr, valLen)
	if !ok {
		return
	}
	if headers := hs.headers(mapType); headers != nil {
		headers.Set(key, val)
	}
}

func hostRemoveHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return
	}
	if headers := hs.headers(mapType); headers != nil {
		headers.Del(key)
	}
}

func hostGetBody(ctx context.Context, mod api.Module, bufPtr, bufCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return -1
	}
	body := hs.loadBody()
	if hs.bodyErr != nil {
		return -1
	}
	if len(body) == 0 {
		return 0
	}
	return writeGuestMemory(mod, bufPtr, bufCap, body)
}

func hostSetBody(ctx context.Context, mod api.Module, bufPtr, bufLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	data, ok := readGuestBytes(mod, bufPtr, bufLen)
	if !ok {
		return
	}
	// Guest memory is reused; keep a copy.
	hs.body = append([]byte(nil), data...)
	if !hs.bodyLoaded && hs.bodySrc != nil {
		hs.bodySrc.Close()
	}
	hs.bodyLoaded = true
	hs.bodyChanged = true
}

func hostGetProperty(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return -1
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return -1
	}

	var val string
	switch {
	case key == "method" && hs.req != nil:
		val = hs.req.Method
	case key == "path" && hs.req != nil:
		val = hs.req.URL.Path
	case key == "query" && hs.req != nil:
		val = hs.req.URL.RawQuery
	case key == "host" && hs.req != nil:
		val = hs.req.Host
	case key == "scheme" && hs.req != nil:
		val = schemeFromRequest(hs.req)
	case key == "service":
		val = hs.service
	case key == "route":
		val = hs.route
	case key == "client_ip":
		val = hs.clientIP
	case key == "status" && hs.status != 0:
		val = strconv.Itoa(hs.status)
	case strings.HasPrefix(key, "args."):
		val = hs.args[key[len("args."):]]
	}

	if val == "" {
		return 0
	}
	return writeGuestMemory(mod, valPtr, valCap, []byte(val))
}

func hostSendResponse(ctx context.Context, mod api.Module, status, bodyPtr, bodyLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	var body []byte
	if bodyLen > 0 {
		data, ok := readGuestBytes(mod, bodyPtr, bodyLen)
		if !ok {
			return
		}
		body = append([]byte(nil), data...)
	}
	hs.earlyResponse = &EarlyResponse{
		StatusCode: int(status),
		Body:       body,
	}
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func flattenHeaders(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			m[k] = vals[0]
		}
	}
	return m
}
