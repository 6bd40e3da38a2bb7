package fulfillment

import (
	"context"
	"io"
	"log/slog"
	"net/http"
)

// ServiceProxy forwards read requests verbatim to a backing service.
// Reads need none of the saga machinery, so the front door passes them
// straight through.
type ServiceProxy struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewServiceProxy(baseURL string, client *http.Client, logger *slog.Logger) *ServiceProxy {
	return &ServiceProxy{
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

func (p *ServiceProxy) forward(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, p.baseURL+path, r.Body)
	if err != nil {
		return nil, err
	}

	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return p.client.Do(req)
}

// ServeRewritten proxies the request to path on the backing service and
// copies the response through, preserving the downstream status.
func (p *ServiceProxy) ServeRewritten(w http.ResponseWriter, r *http.Request, path string) {
	resp, err := p.forward(r.Context(), r, path)
	if err != nil {
		p.logger.Error("failed to forward request", "error", err, "path", path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"service unavailable"}`))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Error("failed to copy response body", "error", err)
	}
}
