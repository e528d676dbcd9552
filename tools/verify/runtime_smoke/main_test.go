package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestReadSSE(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		n       int
		want    int
		wantErr bool
	}{
		{name: "two events", stream: "data: {\"type\":\"connected\"}\n\ndata: {\"type\":\"status\"}\n\n", n: 2, want: 2},
		{name: "comments skipped", stream: ": ping\n\ndata: {}\n\n", n: 1, want: 1},
		{name: "short stream", stream: "data: {}\n\n", n: 2, want: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readSSE(bufio.NewReader(strings.NewReader(tt.stream)), tt.n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestExtractField(t *testing.T) {
	raw := json.RawMessage(`{"state":"running","pid":4242}`)
	state, err := extractField(raw, "state")
	if err != nil {
		t.Fatalf("extractField error: %v", err)
	}
	if state != "running" {
		t.Fatalf("expected running, got %q", state)
	}
	if _, err := extractField(raw, "missing"); err == nil {
		t.Fatal("expected error for missing field")
	}
	if _, err := extractField(raw, "pid"); err == nil {
		t.Fatal("expected error for non-string field")
	}
}

func TestProbeGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		var req envelope
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		_ = wsjson.Write(r.Context(), conn, envelope{Type: req.Type + ".response"})
	}))
	defer srv.Close()

	reply, err := probeGateway(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("probeGateway: %v", err)
	}
	if reply != "status.get.response" {
		t.Fatalf("reply = %q", reply)
	}
}
