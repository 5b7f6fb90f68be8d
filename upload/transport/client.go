// Package transport provides authenticated HTTP request execution for the
// upload engines. Control-plane calls (session creation, finalize metadata)
// go through a retrying client, while data-plane chunk requests are issued
// exactly once because the engines own their retry semantics.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const defaultUserAgent = "go-uploadutils"

// maxErrorBodyBytes bounds how much of an error response body is kept.
const maxErrorBodyBytes = 4 * 1024

// ClientParams ...
type ClientParams struct {
	// Token is the bearer token attached to every request. Empty means no
	// Authorization header (e.g. emulators or pre-signed URLs).
	Token string
	// UserAgent overrides the default user agent string.
	UserAgent string
	// HTTPClient is used for single-attempt data-plane requests.
	// If nil, a default optimized client is created.
	HTTPClient *http.Client
	// RetryClient is used for retried control-plane requests.
	// If nil, a default retrying client is created.
	RetryClient *retryablehttp.Client
}

// Client issues authenticated requests against the object storage service.
type Client struct {
	retryClient *retryablehttp.Client
	httpClient  *http.Client
	token       string
	userAgent   string
	logger      log.Logger
}

// NewClient ...
func NewClient(params ClientParams, logger log.Logger) *Client {
	retryClient := params.RetryClient
	if retryClient == nil {
		retryClient = retryhttp.NewClient(logger)
	}
	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	userAgent := params.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		retryClient: retryClient,
		httpClient:  httpClient,
		token:       params.Token,
		userAgent:   userAgent,
		logger:      logger,
	}
}

// DefaultHTTPClient creates an HTTP client tuned for long-running uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - per-request timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Do issues a control-plane request with automatic retries for transient
// failures. The caller is responsible for checking the response status and
// closing the body.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req = req.WithContext(ctx)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.authorize(req.Header)

	resp, err := c.retryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// DoOnce issues req exactly once, attaching authorization and user agent
// headers. Used for chunk PUTs and offset probes where the upload engine
// decides what gets retried.
func (c *Client) DoOnce(req *http.Request) (*http.Response, error) {
	c.authorize(req.Header)
	return c.httpClient.Do(req)
}

// CloseIdleConnections closes idle connections in the data-plane client.
func (c *Client) CloseIdleConnections() {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func (c *Client) authorize(header http.Header) {
	if c.token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	header.Set("User-Agent", c.userAgent)
}

// StatusError is returned for responses outside the accepted status range.
// It carries the HTTP status and the server-reported message body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// ErrorFromResponse reads a bounded amount of the response body and folds it
// into a StatusError. It does not close the body.
func ErrorFromResponse(resp *http.Response) *StatusError {
	var buf bytes.Buffer
	if resp.Body != nil {
		_, _ = buf.ReadFrom(io.LimitReader(resp.Body, maxErrorBodyBytes))
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       buf.String(),
	}
}
