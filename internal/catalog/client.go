// Package catalog talks to the product catalog service: it checks that a
// product exists before a render starts and attaches the rendered images to
// the product afterwards.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
)

// Client is the subset of the catalog the render pipeline depends on.
type Client interface {
	ProductExists(ctx context.Context, productID string) (bool, error)
	// AttachMedia creates a media record for url and returns its ID.
	AttachMedia(ctx context.Context, productID, url string, metadata map[string]any) (string, error)
	SetThumbnail(ctx context.Context, productID, url string) error
}

type Config struct {
	BaseURL  string
	Token    string
	RetryMax int
	Timeout  time.Duration
}

// HTTPClient implements Client against the catalog REST API.
type HTTPClient struct {
	baseURL string
	token   string
	retry   *retryablehttp.Client
	log     *logger.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config, log *logger.Logger) *HTTPClient {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("catalog")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: timeout}
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = log.Logger

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		retry:   rc,
		log:     log,
	}
}

func (c *HTTPClient) ProductExists(ctx context.Context, productID string) (bool, error) {
	res, err := c.do(ctx, http.MethodGet, productPath(productID), nil)
	if err != nil {
		return false, err
	}
	defer drain(res)

	switch {
	case res.StatusCode == http.StatusNotFound:
		return false, nil
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return true, nil
	default:
		return false, statusError("catalog.product_exists", res)
	}
}

type attachRequest struct {
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type attachResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) AttachMedia(ctx context.Context, productID, mediaURL string, metadata map[string]any) (string, error) {
	const op = "catalog.attach_media"

	res, err := c.do(ctx, http.MethodPost, productPath(productID)+"/media", attachRequest{URL: mediaURL, Metadata: metadata})
	if err != nil {
		return "", err
	}
	defer drain(res)

	if res.StatusCode == http.StatusNotFound {
		return "", errors.NotFound("product", productID)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", statusError(op, res)
	}

	var out attachResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, op, "decode media response")
	}
	if out.ID == "" {
		return "", errors.New(errors.CodeInternal, "catalog returned a media record without id").WithField("op", op)
	}
	return out.ID, nil
}

func (c *HTTPClient) SetThumbnail(ctx context.Context, productID, mediaURL string) error {
	res, err := c.do(ctx, http.MethodPut, productPath(productID)+"/thumbnail", map[string]string{"url": mediaURL})
	if err != nil {
		return err
	}
	defer drain(res)

	if res.StatusCode == http.StatusNotFound {
		return errors.NotFound("product", productID)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusError("catalog.set_thumbnail", res)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "catalog.request", "marshal request body")
		}
		payload = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, errors.Wrap(err, "catalog.request", "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.retry.Do(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "catalog.request",
			fmt.Sprintf("%s %s failed", method, path))
	}
	return res, nil
}

// Static accepts every product and assigns local media IDs. It stands in for
// the catalog when none is configured.
type Static struct{}

var _ Client = Static{}

func (Static) ProductExists(context.Context, string) (bool, error) { return true, nil }

func (Static) AttachMedia(context.Context, string, string, map[string]any) (string, error) {
	return uuid.NewString(), nil
}

func (Static) SetThumbnail(context.Context, string, string) error { return nil }

func productPath(productID string) string {
	return "/products/" + url.PathEscape(productID)
}

func statusError(op string, res *http.Response) *errors.Error {
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	code := errors.CodeInternal
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		code = errors.CodeUnavailable
	}
	return errors.Newf(code, "catalog responded %d", res.StatusCode).
		WithFields(map[string]any{"op": op, "body": strings.TrimSpace(string(snippet))})
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	res.Body.Close()
}
