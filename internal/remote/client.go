// Package remote talks to another instance of this service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Brownie44l1/ranjana-api/internal/inference"
	"github.com/Brownie44l1/ranjana-api/internal/logger"
)

var ErrRemote = errors.New("remote inference failed")

// APIError is a non-2xx answer from the remote service.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote returned %d (%s): %s", e.Status, e.Kind, e.Message)
}

func (*APIError) Unwrap() error {
	return ErrRemote
}

type Client struct {
	base string
	http *http.Client
}

// NewRetryableHTTPClient returns a retrying HTTP client wrapped in an
// OpenTelemetry transport.
func NewRetryableHTTPClient(retryMax int, timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.HTTPClient.Timeout = timeout
	c.Logger = logger.NewLeveledLogrus(logger.GetLogger())
	c.Backoff = retryablehttp.DefaultBackoff
	c.CheckRetry = retryablehttp.DefaultRetryPolicy
	return c
}

func NewClient(baseURL string, rc *retryablehttp.Client) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(rc.StandardClient().Transport),
		},
	}
}

func (c *Client) Predict(ctx context.Context, image []byte, topK int) (*inference.ClassificationResult, error) {
	q := url.Values{}
	if topK > 0 {
		q.Set("top_k", strconv.Itoa(topK))
	}
	var out inference.ClassificationResult
	if err := c.post(ctx, "/api/v1/classify", q, image, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Compare(ctx context.Context, image []byte, class int) (*inference.ComparisonResult, error) {
	fields := map[string]string{"target_class": strconv.Itoa(class)}
	var out inference.ComparisonResult
	if err := c.post(ctx, "/api/v1/compare", nil, image, fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, query url.Values, image []byte, fields map[string]string, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "glyph.png")
	if err != nil {
		return err
	}
	if _, err := part.Write(image); err != nil {
		return err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemote, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrRemote, err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message, apiErr.Kind = body.Error, body.Kind
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", ErrRemote, err)
	}
	return nil
}
