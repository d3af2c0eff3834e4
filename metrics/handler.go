package metrics

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
)

// HttpHandler wraps an http.Handler and records the duration of each
// request under the JSON-RPC method name extracted from the body.
type HttpHandler struct {
	handler   http.Handler
	collector Collector
}

func NewHttpHandler(handler http.Handler, collector Collector) *HttpHandler {
	return &HttpHandler{
		handler:   handler,
		collector: collector,
	}
}

func (h *HttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	method, err := extractMethod(w, r)
	if err != nil {
		return
	}

	defer h.collector.MeasureRequestDuration(start, prometheus.Labels{"method": method})
	h.handler.ServeHTTP(w, r)
}

// extractMethod peeks at the request body for the JSON-RPC method name.
// The body is restored afterwards so the wrapped handler can read it again.
func extractMethod(w http.ResponseWriter, r *http.Request) (string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var requestBody struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &requestBody); err != nil {
		http.Error(w, "Error extracting method field from body", http.StatusBadRequest)
		return "", err
	}

	return requestBody.Method, nil
}
