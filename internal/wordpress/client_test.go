package wordpress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestListPagesPaginatesUsingTotalPagesHeader(t *testing.T) {
	pagesByNumber := map[string][]map[string]any{
		"1": {wirePage(1, "Home", "<p>home</p>"), wirePage(2, "About", "<p>about</p>")},
		"2": {wirePage(3, "Contact", "<p>contact</p>")},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageParam := r.URL.Query().Get("page")
		batch, ok := pagesByNumber[pageParam]
		if !ok {
			batch = []map[string]any{}
		}
		w.Header().Set("X-WP-TotalPages", "2")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(batch)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, Username: "editor", AppPassword: "secret"})
	pages, err := client.ListPages(context.Background())
	if err != nil {
		t.Fatalf("list pages failed: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages across both result pages, got %d", len(pages))
	}
	if pages[0].Title != "Home" || pages[0].Content != "<p>home</p>" {
		t.Fatalf("expected rendered fields to be flattened, got %+v", pages[0])
	}
}

func TestGetPageReturnsAPIErrorForApplicationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    "rest_post_invalid_id",
			"message": "Invalid post ID.",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL})
	_, err := client.GetPage(context.Background(), 999)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "rest_post_invalid_id" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestUpdatePageContentRetriesOnServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wirePage(7, "Updated", body["content"].(string)))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{
		BaseURL:   server.URL,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})
	page, err := client.UpdatePageContent(context.Background(), 7, "<p>new</p>")
	if err != nil {
		t.Fatalf("update failed after retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
	if page.Content != "<p>new</p>" {
		t.Fatalf("expected echoed content, got %q", page.Content)
	}
}

func TestTransportFailureIsNotAPIError(t *testing.T) {
	client := NewHTTPClient(HTTPClientOptions{
		BaseURL:    "http://127.0.0.1:1",
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	})
	_, err := client.ListPages(context.Background())
	if err == nil {
		t.Fatalf("expected transport error")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("transport failure should not be an APIError: %v", err)
	}
}

func wirePage(id int, title, content string) map[string]any {
	return map[string]any{
		"id":       id,
		"slug":     "page-" + strconv.Itoa(id),
		"status":   "publish",
		"link":     "https://example.com/page-" + strconv.Itoa(id),
		"date":     "2024-01-01T00:00:00",
		"modified": "2024-01-02T00:00:00",
		"title":    map[string]any{"rendered": title},
		"content":  map[string]any{"rendered": content},
	}
}
