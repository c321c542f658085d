// Package wordpress talks to the WordPress REST API (wp/v2). It exposes the
// small read/update surface the sync engine needs and converts the API's
// error envelope into typed errors.
package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Page is a flattened view of the wp/v2 page resource. Rendered fields are
// lifted out of their {"rendered": ...} envelopes.
type Page struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Slug     string `json:"slug"`
	Status   string `json:"status"`
	Link     string `json:"link"`
	Date     string `json:"date"`
	Modified string `json:"modified"`
}

// APIError is a non-2xx response the API itself produced (bad id, validation
// failure, auth). Transport-level failures are returned as plain wrapped
// errors instead.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wordpress api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("wordpress api %d: %s", e.StatusCode, e.Message)
}

type Client interface {
	ListPages(ctx context.Context) ([]Page, error)
	GetPage(ctx context.Context, id int) (Page, error)
	UpdatePageContent(ctx context.Context, id int, content string) (Page, error)
}

type HTTPClientOptions struct {
	BaseURL     string
	Username    string
	AppPassword string
	HTTPClient  *http.Client
	UserAgent   string
	PerPage     int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type HTTPClient struct {
	baseURL     string
	username    string
	appPassword string
	httpClient  *http.Client
	userAgent   string
	perPage     int
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	perPage := opts.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:     baseURL,
		username:    strings.TrimSpace(opts.Username),
		appPassword: strings.TrimSpace(opts.AppPassword),
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		perPage:     perPage,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// pageEnvelope mirrors the wire shape of a wp/v2 page resource.
type pageEnvelope struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Status   string `json:"status"`
	Link     string `json:"link"`
	Date     string `json:"date"`
	Modified string `json:"modified"`
	Title    struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
	Content struct {
		Rendered string `json:"rendered"`
	} `json:"content"`
}

func (e pageEnvelope) toPage() Page {
	return Page{
		ID:       e.ID,
		Title:    e.Title.Rendered,
		Content:  e.Content.Rendered,
		Slug:     e.Slug,
		Status:   e.Status,
		Link:     e.Link,
		Date:     e.Date,
		Modified: e.Modified,
	}
}

func (c *HTTPClient) ListPages(ctx context.Context) ([]Page, error) {
	pages := []Page{}
	for pageNum := 1; ; pageNum++ {
		path := fmt.Sprintf("/wp-json/wp/v2/pages?per_page=%d&page=%d", c.perPage, pageNum)
		var batch []pageEnvelope
		header, err := c.doJSON(ctx, http.MethodGet, path, nil, &batch)
		if err != nil {
			return nil, err
		}
		for _, envelope := range batch {
			pages = append(pages, envelope.toPage())
		}
		totalPages, _ := strconv.Atoi(strings.TrimSpace(header.Get("X-WP-TotalPages")))
		if totalPages <= pageNum || len(batch) == 0 {
			break
		}
	}
	return pages, nil
}

func (c *HTTPClient) GetPage(ctx context.Context, id int) (Page, error) {
	var envelope pageEnvelope
	_, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/wp-json/wp/v2/pages/%d", id), nil, &envelope)
	if err != nil {
		return Page{}, err
	}
	return envelope.toPage(), nil
}

func (c *HTTPClient) UpdatePageContent(ctx context.Context, id int, content string) (Page, error) {
	body := map[string]any{"content": content}
	var envelope pageEnvelope
	_, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/wp-json/wp/v2/pages/%d", id), body, &envelope)
	if err != nil {
		return Page{}, err
	}
	return envelope.toPage(), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) (http.Header, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if c.username != "" {
			req.SetBasicAuth(c.username, c.appPassword)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("wordpress request failed: %w", err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.Header, nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return nil, fmt.Errorf("wordpress response parse failed: %w", err)
			}
			return resp.Header, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
