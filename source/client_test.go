package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_AppliesHeaderPolicy(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{
		UserAgent: "mend/1",
		Referer:   "https://example.com/room/7",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	got := <-headers
	if ua := got.Get("User-Agent"); ua != "mend/1" {
		t.Errorf("User-Agent = %q, want %q", ua, "mend/1")
	}
	if ref := got.Get("Referer"); ref != "https://example.com/room/7" {
		t.Errorf("Referer = %q, want %q", ref, "https://example.com/room/7")
	}
}

func TestClient_DefaultUserAgent(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if ua := (<-headers).Get("User-Agent"); ua != defaultUserAgent {
		t.Errorf("User-Agent = %q, want the default browser string", ua)
	}
}

func TestNewClient_ProxySchemes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		proxy   string
		wantErr bool
	}{
		{"http", "http://127.0.0.1:3128", false},
		{"https", "https://127.0.0.1:3128", false},
		{"socks5", "socks5://127.0.0.1:1080", false},
		{"socks5h", "socks5h://127.0.0.1:1080", false},
		{"ftp", "ftp://127.0.0.1:21", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewClient(ClientConfig{ProxyURL: tc.proxy})
			if tc.wantErr {
				if !errors.Is(err, ErrProxyScheme) {
					t.Fatalf("err = %v, want ErrProxyScheme", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			c.Close()
		})
	}
}

func TestNewClient_HTTP3(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(ClientConfig{HTTP3: true, ProxyURL: "http://127.0.0.1:3128"}); !errors.Is(err, ErrProxyScheme) {
		t.Fatalf("err = %v, want ErrProxyScheme", err)
	}

	c, err := NewClient(ClientConfig{HTTP3: true})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
