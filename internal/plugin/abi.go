package plugin

// Action codes returned by guest filter exports.
const (
	ActionContinue     = 0 // proceed to the next filter
	ActionPause        = 1 // reserved
	ActionSendResponse = 2 // guest called host_send_response; the request is answered
)

// MapType selects the header map for host_get_header / host_set_header /
// host_remove_header.
const (
	MapTypeRequestHeaders  = 0
	MapTypeResponseHeaders = 1
)

// Log levels for host_log.
const (
	LogLevelTrace = 0
	LogLevelDebug = 1
	LogLevelInfo  = 2
	LogLevelWarn  = 3
	LogLevelError = 4
)

// Export name prefixes. A plugin filter named f is exported as exactly one
// of filter_f, on_request_f or on_response_f, which fixes its kind.
const (
	exportAction   = "filter_"
	exportRequest  = "on_request_"
	exportResponse = "on_response_"
)

// RequestContext is serialized as JSON and written to guest memory for
// action and request filters.
type RequestContext struct {
	Filter   string            `json:"filter"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    string            `json:"query,omitempty"`
	Host     string            `json:"host"`
	Scheme   string            `json:"scheme"`
	Service  string            `json:"service"`
	Route    string            `json:"route"`
	ClientIP string            `json:"client_ip"`
	Headers  map[string]string `json:"headers"`
	Args     map[string]string `json:"args,omitempty"`
}

// ResponseContext is serialized as JSON and written to guest memory for
// response filters.
type ResponseContext struct {
	Filter     string            `json:"filter"`
	StatusCode int               `json:"status_code"`
	Service    string            `json:"service"`
	Route      string            `json:"route"`
	Headers    map[string]string `json:"headers"`
	Args       map[string]string `json:"args,omitempty"`
}

// EarlyResponse captures a guest-initiated response via host_send_response.
type EarlyResponse struct {
	StatusCode int
	Body       []byte
}
