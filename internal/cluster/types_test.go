package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    interface{}
		responseBody   interface{}
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
			expectError:    false,
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			serverBody:     "",
			requestBody:    map[string]string{"test": "data"},
			responseBody:   nil,
			expectError:    false,
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   nil,
			expectError:    true,
		},
		{
			name:           "bad request",
			serverResponse: http.StatusBadRequest,
			serverBody:     `{"error":"bad request"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   nil,
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   nil,
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    make(chan int), // channels can't be marshaled
			responseBody:   nil,
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST method, got %s", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected Content-Type application/json, got %s", ct)
				}
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 1*time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)

			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			if !tt.expectError && tt.responseBody != nil {
				respMap := tt.responseBody.(*map[string]string)
				if (*respMap)["status"] != "ok" {
					t.Errorf("Expected response status 'ok', got %v", *respMap)
				}
			}
		})
	}
}

// TestPostJSONInvalidURL tests PostJSON with invalid URL
func TestPostJSONInvalidURL(t *testing.T) {
	ctx := context.Background()

	err := PostJSON(ctx, "://invalid-url", map[string]string{"test": "data"}, nil)
	if err == nil {
		t.Error("Expected error for invalid URL, got none")
	}

	err = PostJSON(ctx, "http://localhost:99999", map[string]string{"test": "data"}, nil)
	if err == nil {
		t.Error("Expected error for unreachable server, got none")
	}
}

// TestGetJSON tests the GetJSON function with various scenarios
func TestGetJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		responseBody   interface{}
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful GET",
			serverResponse: http.StatusOK,
			serverBody:     `{"data":"test","value":123}`,
			responseBody:   &map[string]interface{}{},
			expectError:    false,
		},
		{
			name:           "not found error",
			serverResponse: http.StatusNotFound,
			serverBody:     `{"error":"not found"}`,
			responseBody:   &map[string]interface{}{},
			expectError:    true,
		},
		{
			name:           "server error",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal server error"}`,
			responseBody:   &map[string]interface{}{},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"data":"test"}`,
			responseBody:   &map[string]interface{}{},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "invalid JSON response",
			serverResponse: http.StatusOK,
			serverBody:     `{invalid json}`,
			responseBody:   &map[string]interface{}{},
			expectError:    true,
		},
		{
			name:           "redirect response",
			serverResponse: http.StatusMovedPermanently,
			serverBody:     "",
			responseBody:   &map[string]interface{}{},
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("Expected GET method, got %s", r.Method)
				}
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 1*time.Millisecond)
				defer cancel()
			}

			err := GetJSON(ctx, server.URL, tt.responseBody)

			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			if !tt.expectError && tt.responseBody != nil {
				respMap := tt.responseBody.(*map[string]interface{})
				if (*respMap)["data"] != "test" {
					t.Errorf("Expected data 'test', got %v", (*respMap)["data"])
				}
				if (*respMap)["value"] != float64(123) {
					t.Errorf("Expected value 123, got %v", (*respMap)["value"])
				}
			}
		})
	}
}

// TestGetJSONInvalidURL tests GetJSON with invalid URL
func TestGetJSONInvalidURL(t *testing.T) {
	ctx := context.Background()
	var result map[string]interface{}

	err := GetJSON(ctx, "://invalid-url", &result)
	if err == nil {
		t.Error("Expected error for invalid URL, got none")
	}

	err = GetJSON(ctx, "http://localhost:99999", &result)
	if err == nil {
		t.Error("Expected error for unreachable server, got none")
	}
}

// TestHTTPClient tests that the shared HTTP client has the expected timeout
func TestHTTPClient(t *testing.T) {
	if httpClient.Timeout != 5*time.Second {
		t.Errorf("Expected HTTP client timeout of 5s, got %v", httpClient.Timeout)
	}
}

// TestConnectRequestRoundTrip covers the envelope internal/session sends
// to a server's /connect and /disconnect endpoints.
func TestConnectRequestRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got ConnectRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ClientID != "client-9" {
			t.Errorf("ClientID = %q, want client-9", got.ClientID)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := PostJSON(context.Background(), server.URL, ConnectRequest{ClientID: "client-9"}, nil)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
}

// TestAddServerRequestRoundTrip covers the envelope internal/monitorclient
// sends to the monitor's /servers endpoint, and the id it gets back.
func TestAddServerRequestRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got AddServerRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != "s1" || got.Address != "http://127.0.0.1:9" {
			t.Errorf("unexpected request: %+v", got)
		}
		json.NewEncoder(w).Encode(AddServerResponse{ID: got.ID})
	}))
	defer server.Close()

	var resp AddServerResponse
	err := PostJSON(context.Background(), server.URL, AddServerRequest{ID: "s1", Address: "http://127.0.0.1:9"}, &resp)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if resp.ID != "s1" {
		t.Errorf("resp.ID = %q, want s1", resp.ID)
	}
}
