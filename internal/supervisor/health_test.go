package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return p
}

func TestTestConnection(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		success bool
		want    string
	}{
		{name: "json body", body: `{"status":"ok","version":"1.2.0"}`, status: 200, success: true, want: "ok"},
		{name: "plain body", body: "OK", status: 200, success: true, want: "Connected"},
		{name: "server error", body: "down", status: 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := newHarness(t, bundleDir(t))
			h.sup.healthHost = "127.0.0.1"
			res := h.sup.TestConnection(context.Background(), serverPort(t, srv))
			if res.Success != tt.success {
				t.Fatalf("result = %+v", res)
			}
			if tt.success && res.Data["status"] != tt.want {
				t.Fatalf("data = %v, want status %q", res.Data, tt.want)
			}
			if !tt.success && res.Error == "" {
				t.Fatal("expected error detail")
			}
		})
	}
}

func TestTestConnection_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	h := newHarness(t, bundleDir(t))
	h.sup.healthHost = "127.0.0.1"
	res := h.sup.TestConnection(context.Background(), port)
	if res.Success || res.Error == "" {
		t.Fatalf("result = %+v, want failure", res)
	}
}
