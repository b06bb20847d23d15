package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quantfeed/marketfeed/internal/model"
	"github.com/quantfeed/marketfeed/internal/resilience"
)

// RenderRequest describes one page render for a browser-mode adapter.
type RenderRequest struct {
	URL          string `json:"url"`
	WaitSelector string `json:"wait_selector,omitempty"`
	CaptureXHR   string `json:"capture_xhr,omitempty"`
	Screenshot   bool   `json:"screenshot,omitempty"`
	ScrollPasses int    `json:"scroll_passes,omitempty"`
}

// RenderResult is the outcome of a render: the settled DOM, any
// captured background responses, and an optional screenshot.
type RenderResult struct {
	HTML       []byte
	XHR        []model.XHRCapture
	Screenshot []byte
}

// Renderer turns a URL into rendered content. Implementations wrap a
// rendering engine; each Render call runs in an isolated browsing
// context with no shared cookies or state.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*RenderResult, error)
}

// RenderPool shares one rendering engine across browser-mode adapters
// while capping concurrent browsing contexts to bound engine memory. A
// slot is checked out per render and released on every exit path,
// including cancellation.
type RenderPool struct {
	engine Renderer
	slots  chan struct{}
}

// NewRenderPool wraps engine with a cap on concurrent contexts.
func NewRenderPool(engine Renderer, maxContexts int) *RenderPool {
	if maxContexts <= 0 {
		maxContexts = 3
	}
	return &RenderPool{
		engine: engine,
		slots:  make(chan struct{}, maxContexts),
	}
}

// Render acquires a context slot (or fails on cancellation), renders,
// and releases the slot.
func (p *RenderPool) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "render: waiting for context slot")
	}
	defer func() { <-p.slots }()

	return p.engine.Render(ctx, req)
}

// InUse returns the number of checked-out context slots.
func (p *RenderPool) InUse() int { return len(p.slots) }

// remoteRenderResponse is the wire shape of the rendering service.
type remoteRenderResponse struct {
	HTML       string             `json:"html"`
	XHR        []model.XHRCapture `json:"xhr,omitempty"`
	Screenshot string             `json:"screenshot,omitempty"` // base64 PNG
}

// RemoteRenderer drives a headless-browser rendering service over
// HTTP: one POST per page carrying the readiness condition, XHR filter
// and screenshot flag. The service owns the single browser engine; the
// pool above bounds how many contexts this process asks it for.
type RemoteRenderer struct {
	endpoint string
	key      string
	client   *http.Client
}

// NewRemoteRenderer creates a client for the rendering service.
func NewRemoteRenderer(endpoint, key string, timeout time.Duration) *RemoteRenderer {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &RemoteRenderer{
		endpoint: endpoint,
		key:      key,
		client:   &http.Client{Timeout: timeout},
	}
}

// Render posts the request to the service's /render endpoint.
func (r *RemoteRenderer) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "render: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "render: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.key)
	}

	host := renderHost(req.URL)
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetError(host, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, &resilience.HTTPStatusError{Host: host, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetError(host, err)
	}

	var decoded remoteRenderResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, eris.Wrap(err, "render: decode response")
	}
	if decoded.HTML == "" {
		return nil, eris.Errorf("render: empty document for %s", req.URL)
	}

	result := &RenderResult{
		HTML: []byte(decoded.HTML),
		XHR:  decoded.XHR,
	}
	if decoded.Screenshot != "" {
		png, err := base64.StdEncoding.DecodeString(decoded.Screenshot)
		if err != nil {
			zap.L().Warn("render: undecodable screenshot, dropping",
				zap.String("url", req.URL),
				zap.Error(err),
			)
		} else {
			result.Screenshot = png
		}
	}
	return result, nil
}

func renderHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
