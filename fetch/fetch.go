package fetch

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/TheSnook/gossamer/crawler"
)

const (
	// DefaultTimeout is the per-request deadline.
	DefaultTimeout = 10 * time.Second
	// maxBodySize caps how much of a response body is read (2MB).
	maxBodySize = 2 * 1024 * 1024

	userAgent = "Gossamer/1.0"
)

// Client is the HTTP client behind crawler.Fetcher. It is safe for
// concurrent use by the fetch workers.
type Client struct {
	httpClient *http.Client
}

// New returns a client with the given deadline, or DefaultTimeout when
// zero.
func New(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch GETs url. A response of any status is a result; only transport
// failures (DNS, refused connection, deadline) return an error.
func (c *Client) Fetch(url string) (*crawler.FetchResult, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &crawler.FetchResult{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}
