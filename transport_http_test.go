package mcpforge

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestHTTPTransportCallToolRoundTrips(t *testing.T) {
	addr := freeAddr(t)
	transport := NewHTTPTransport(HTTPTransportOptions{Addr: addr})
	handler := func(ctx context.Context, clientID string, payload []byte) []byte {
		return payload
	}
	if err := transport.Start(context.Background(), handler); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer transport.Stop(context.Background())

	waitForListener(t, addr)

	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	resp, err := http.Post("http://"+addr+"/call_tool", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	buf := make([]byte, len(body))
	if _, err := resp.Body.Read(buf); err != nil && err.Error() != "EOF" {
		t.Fatalf("read body: %v", err)
	}
	if string(buf) != body {
		t.Fatalf("expected echoed body %q, got %q", body, buf)
	}
}

func TestHTTPTransportCallToolRejectsNonPost(t *testing.T) {
	addr := freeAddr(t)
	transport := NewHTTPTransport(HTTPTransportOptions{Addr: addr})
	if err := transport.Start(context.Background(), func(ctx context.Context, clientID string, payload []byte) []byte { return nil }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer transport.Stop(context.Background())
	waitForListener(t, addr)

	resp, err := http.Get("http://" + addr + "/call_tool")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /call_tool, got %d", resp.StatusCode)
	}
}

func TestHTTPTransportEventsReplaysSinceLastEventID(t *testing.T) {
	addr := freeAddr(t)
	transport := NewHTTPTransport(HTTPTransportOptions{Addr: addr, HeartbeatInterval: time.Hour})
	if err := transport.Start(context.Background(), func(ctx context.Context, clientID string, payload []byte) []byte { return nil }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer transport.Stop(context.Background())
	waitForListener(t, addr)

	transport.Broadcast("update", "one", "")
	transport.Broadcast("update", "two", "")
	transport.Broadcast("update", "three", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/events?lastEventId=1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var ids []string
	for len(ids) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse stream: %v", err)
		}
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	if ids[0] != "2" || ids[1] != "3" {
		t.Fatalf("expected replay of events 2 then 3, got %v", ids)
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", addr)
}
