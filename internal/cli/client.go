package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"renderhub/internal/httpapi/handlers"
	"renderhub/internal/httpkit"
	"renderhub/internal/models"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/queue"
)

type ClientConfig struct {
	APIURL   string
	AdminURL string
	Timeout  time.Duration
	RetryMax int
}

// Client calls the renderhub API and the worker admin server.
type Client struct {
	apiURL   string
	adminURL string
	http     *retryablehttp.Client
}

func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	// Hand back the last response so API errors keep their envelope.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if log != nil {
		rc.Logger = log.Logger
	}
	return &Client{
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		adminURL: strings.TrimRight(cfg.AdminURL, "/"),
		http:     rc,
	}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

type jobEnvelope struct {
	Job *models.RenderJob `json:"job"`
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.RenderJob, error) {
	var out jobEnvelope
	if err := c.call(ctx, http.MethodGet, c.apiURL+"/render-jobs/"+url.PathEscape(id), nil, "", &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

type ListParams struct {
	Status    string
	ProductID string
	Limit     int
	Offset    int
}

func (c *Client) ListJobs(ctx context.Context, p ListParams) ([]models.RenderJob, error) {
	q := url.Values{}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.ProductID != "" {
		q.Set("product_id", p.ProductID)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	u := c.apiURL + "/render-jobs"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var out struct {
		Jobs []models.RenderJob `json:"jobs"`
	}
	if err := c.call(ctx, http.MethodGet, u, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) RetryJob(ctx context.Context, id string, opts handlers.RenderOptions) (*models.RenderJob, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	var out jobEnvelope
	u := c.apiURL + "/render-jobs/" + url.PathEscape(id) + "/retry"
	if err := c.call(ctx, http.MethodPost, u, body, "application/json", &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// SubmitParams describes a new render job. Design is the raw image and
// DesignMIME its declared type.
type SubmitParams struct {
	ProductID      string
	VariantID      string
	Preset         string
	TemplateID     string
	Design         []byte
	DesignFilename string
	DesignMIME     string
	Options        handlers.RenderOptions
}

func (c *Client) Submit(ctx context.Context, p SubmitParams) (*models.RenderJob, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"product_id", p.ProductID},
		{"variant_id", p.VariantID},
		{"preset", p.Preset},
		{"template_id", p.TemplateID},
		{"fabric_color", p.Options.FabricColor},
		{"background_color", p.Options.BackgroundColor},
		{"render_mode", p.Options.RenderMode},
	}
	if p.Options.Samples > 0 {
		fields = append(fields, [2]string{"samples", strconv.Itoa(p.Options.Samples)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="design"; filename=%q`, p.DesignFilename))
	h.Set("Content-Type", p.DesignMIME)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(p.Design); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out jobEnvelope
	if err := c.call(ctx, http.MethodPost, c.apiURL+"/render-jobs", buf.Bytes(), mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

func (c *Client) QueueMetrics(ctx context.Context) (queue.Snapshot, error) {
	var snap queue.Snapshot
	err := c.call(ctx, http.MethodGet, c.adminURL+"/queue/metrics", nil, "", &snap)
	return snap, err
}

func (c *Client) call(ctx context.Context, method, u string, body []byte, contentType string, out any) error {
	var payload any
	if body != nil {
		payload = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{Status: res.StatusCode}
		var env httpkit.ErrorEnvelope
		if json.Unmarshal(data, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
