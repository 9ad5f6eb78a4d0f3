package srvreg

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"encoding/json"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/sealdrop/node/ledger"
	"github.com/sealdrop/node/repository"
)

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Query      map[string]string `json:"query,omitempty"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"` // Unique ID for the request
	Timestamp  time.Time         `json:"timestamp"`
}

// Response represents the computed response from a handler
type Response struct {
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	Error         string            `json:"error,omitempty"`
	BodyInterface interface{}       `json:"body_interface,omitempty"`
}

// ParseBody attempts to parse the Response's Body field as JSON
// and returns the structured data or nil if parsing fails.
func (r *Response) ParseBody() interface{} {
	if r.Body == "" {
		return nil
	}

	var bodyMap map[string]interface{}
	err := json.Unmarshal([]byte(r.Body), &bodyMap)
	if err == nil {
		return bodyMap
	}

	var bodyArray []interface{}
	err = json.Unmarshal([]byte(r.Body), &bodyArray)
	if err == nil {
		return bodyArray
	}

	return nil
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	repository  *repository.Repository
	state       *ledger.State
	logger      cmtlog.Logger
}

// ConvertHttpRequestToConsensusRequest converts an http.Request to Request
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	// Extract headers
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	// Extract query parameters
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	// Read body if present
	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Query:      query,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(
	repository *repository.Repository,
	state *ledger.State,
	logger cmtlog.Logger,
) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		repository:  repository,
		state:       state,
		logger:      logger,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path and a boolean of whether or not the handler was found
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	// Try pattern matching
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}

		// Skip exact routes in pattern matching
		if sr.exactRoutes[routeKey] {
			continue
		}

		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/transfer/:id" matching "/transfer/TRF-123"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			// This is a parameter part, it matches anything
			continue
		}

		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// RegisterDefaultServices sets up the transfer ledger endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Mutating operations, routed through consensus
	sr.RegisterHandler(
		"POST",
		"/transfer/initiate",
		true,
		sr.InitiateTransferHandler,
	)
	sr.RegisterHandler(
		"POST",
		"/transfer/:id/claim",
		false,
		sr.ClaimTransferHandler,
	)
	sr.RegisterHandler(
		"POST",
		"/transfer/:id/cancel",
		false,
		sr.CancelTransferHandler,
	)
	sr.RegisterHandler(
		"POST",
		"/admin/fee-rate",
		true,
		sr.SetFeeRateHandler,
	)
	sr.RegisterHandler(
		"POST",
		"/admin/withdraw",
		true,
		sr.WithdrawFeesHandler,
	)
	// Read-only queries, served from the authoritative state / read model
	sr.RegisterHandler(
		"GET",
		"/transfer/:id",
		false,
		sr.TransferInfoHandler,
	)
	sr.RegisterHandler(
		"GET",
		"/transfer/:id/seal",
		false,
		sr.SealInfoHandler,
	)
	sr.RegisterHandler(
		"GET",
		"/transfer/:id/can-claim",
		false,
		sr.CanClaimHandler,
	)
	sr.RegisterHandler(
		"GET",
		"/stats",
		true,
		sr.ProtocolStatsHandler,
	)
	sr.RegisterHandler(
		"GET",
		"/activity/:user",
		false,
		sr.UserActivityHandler,
	)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		log.Println("service registry handler not found")
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}

	return handler(req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		// If it's not JSON, return trimmed original
		return strings.TrimSpace(body)
	}
	return buf.String()
}
