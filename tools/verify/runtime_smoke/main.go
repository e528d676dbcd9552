package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:3000", "dashboard base URL")
	token := flag.String("token", "", "dashboard API token")
	gatewayURL := flag.String("gateway", "ws://localhost:18789", "assistant gateway URL; empty skips the socket check")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := &smokeClient{base: strings.TrimRight(*base, "/"), token: strings.TrimSpace(*token)}

	var health map[string]any
	if err := c.getJSON(ctx, "/healthz", &health); err != nil {
		fatal("healthz", err)
	}
	fmt.Printf("CHECK healthz ok version=%v\n", health["version"])

	var status map[string]json.RawMessage
	if err := c.getJSON(ctx, "/api/status", &status); err != nil {
		fatal("status", err)
	}
	state, err := extractField(status["process"], "state")
	if err != nil {
		fatal("status process.state", err)
	}
	fmt.Printf("CHECK status ok state=%s installation=%s\n", state, status["installation"])

	events, err := c.streamEvents(ctx, "/api/status/stream", 2)
	if err != nil {
		fatal("status stream", err)
	}
	first, _ := extractField(events[0], "type")
	second, _ := extractField(events[1], "type")
	if first != "connected" || second != "status" {
		fatalf("status stream: got event types %q, %q", first, second)
	}
	fmt.Println("CHECK status stream ok")

	if strings.TrimSpace(*gatewayURL) == "" {
		fmt.Println("VERDICT PASS")
		return
	}
	reply, err := probeGateway(ctx, *gatewayURL)
	if err != nil {
		fatal("gateway", err)
	}
	if reply == "" {
		fmt.Println("CHECK gateway dial ok (no status reply)")
	} else {
		fmt.Printf("CHECK gateway ok reply=%s\n", reply)
	}
	fmt.Println("VERDICT PASS")
}

type smokeClient struct {
	base  string
	token string
}

func (c *smokeClient) request(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *smokeClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.request(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// streamEvents reads the first n SSE data payloads from path.
func (c *smokeClient) streamEvents(ctx context.Context, path string, n int) ([]json.RawMessage, error) {
	resp, err := c.request(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return nil, fmt.Errorf("content type %q", ct)
	}
	return readSSE(bufio.NewReader(resp.Body), n)
}

func readSSE(r *bufio.Reader, n int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for len(out) < n {
		line, err := r.ReadString('\n')
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: "); ok {
			out = append(out, json.RawMessage(data))
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(out) >= n {
				break
			}
			return out, fmt.Errorf("after %d events: %w", len(out), err)
		}
	}
	return out, nil
}

// probeGateway dials the socket and asks for status. A missing reply within
// five seconds is not an error; older assistants ignore status.get.
func probeGateway(ctx context.Context, url string) (string, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")

	if err := wsjson.Write(ctx, conn, envelope{Type: "status.get", Timestamp: time.Now().UnixMilli()}); err != nil {
		return "", fmt.Errorf("write status.get: %w", err)
	}
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var env envelope
	if err := wsjson.Read(readCtx, conn, &env); err != nil {
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
			return "", nil
		}
		return "", fmt.Errorf("read reply: %w", err)
	}
	return env.Type, nil
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}
