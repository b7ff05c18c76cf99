package mail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"your confirmation code is gx7k2p", "gx7k2p"},
		{"code: a1b2c3d4 expires soon", "a1b2c3d4"},
		{"no code here!", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractCode(tt.in); got != tt.want {
			t.Errorf("ExtractCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPFetcherReadsCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") != "a@x.io" {
			t.Errorf("email param = %q", r.URL.Query().Get("email"))
		}
		if r.Header.Get("X-API-Key") != "k1" {
			t.Errorf("api key header = %q", r.Header.Get("X-API-Key"))
		}
		w.Write([]byte(`{"subject":"your confirmation code is gx7k2p","body":""}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "k1")
	code, err := f.FetchCode(context.Background(), "a@x.io", "pw")
	if err != nil {
		t.Fatalf("FetchCode: %v", err)
	}
	if code != "gx7k2p" {
		t.Fatalf("code = %q, want gx7k2p", code)
	}
}

func TestHTTPFetcherPollsEmptyMailbox(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"subject":"","body":"use code a1b2c3 to continue"}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "")
	code, err := f.FetchCode(context.Background(), "a@x.io", "pw")
	if err != nil {
		t.Fatalf("FetchCode: %v", err)
	}
	if code != "a1b2c3" {
		t.Fatalf("code = %q, want a1b2c3", code)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPFetcherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.FetchCode(ctx, "a@x.io", "pw"); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}
