package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	in     chan []byte
	done   chan struct{}
	once   sync.Once
	dead   atomic.Bool
	mu     sync.Mutex
	writes []Envelope

	// When gate is set, Write signals entered and blocks until gate closes.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}
	select {
	case <-f.done:
		return io.ErrClosedPipe
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) Open() bool {
	select {
	case <-f.done:
		return false
	default:
		return !f.dead.Load()
	}
}

func (f *fakeConn) written() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.writes...)
}

func (f *fakeConn) push(t *testing.T, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, _ := json.Marshal(Envelope{Type: msgType, Data: raw, Timestamp: 1})
	f.in <- b
}

// fakeDialer hands out queued conns, or fails once they run out. With
// flapping set it instead returns conns that are already closed.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dials    int
	err      error
	flapping bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.flapping {
		c := newFakeConn()
		c.Close()
		return c, nil
	}
	if len(d.conns) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestClient(d Dialer) *Client {
	return New(Options{
		URL:            "ws://gateway.test",
		Dialer:         d,
		ReconnectDelay: 5 * time.Millisecond,
		ConnectTimeout: time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClient_QueuedMessagesFlushBeforeLaterSends(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := newTestClient(d)
	ctx := context.Background()

	for _, typ := range []string{"one", "two", "three"} {
		sent, err := c.Send(ctx, typ, map[string]int{"n": len(typ)})
		if err != nil || sent {
			t.Fatalf("Send(%s) = %v, %v; want queued", typ, sent, err)
		}
	}
	if got := c.Stats().QueuedMessages; got != 3 {
		t.Fatalf("queued = %d, want 3", got)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sent, err := c.Send(ctx, "four", nil)
	if err != nil || !sent {
		t.Fatalf("Send after connect = %v, %v", sent, err)
	}

	var order []string
	for _, env := range conn.written() {
		order = append(order, env.Type)
	}
	want := []string{"one", "two", "three", "four"}
	if len(order) != len(want) {
		t.Fatalf("written = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("written = %v, want %v", order, want)
		}
	}
	if got := c.Stats().QueuedMessages; got != 0 {
		t.Fatalf("queued after flush = %d", got)
	}
}

func TestClient_WaitForMessageTimesOutAndDeregisters(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(&fakeDialer{conns: []*fakeConn{conn}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	_, err := c.WaitForMessage(context.Background(), "foo", 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitForMessage err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before the deadline", elapsed)
	}
	if n := c.events.TopicCount("foo"); n != 0 {
		t.Fatalf("waiters left for foo = %d, want 0", n)
	}

	// A late foo reaches only listeners registered now.
	late := c.Subscribe("foo")
	defer c.Unsubscribe(late)
	time.Sleep(50 * time.Millisecond)
	conn.push(t, "foo", map[string]string{"v": "late"})
	select {
	case ev := <-late.Ch():
		if ev.Payload.(Envelope).Type != "foo" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("late message not dispatched")
	}
}

func TestClient_WaitForMessageReceivesMatchingType(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(&fakeDialer{conns: []*fakeConn{conn}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := make(chan Envelope, 1)
	go func() {
		env, err := c.WaitForMessage(context.Background(), "status.response", time.Second)
		if err != nil {
			t.Errorf("WaitForMessage: %v", err)
		}
		got <- env
	}()
	waitFor(t, func() bool { return c.events.TopicCount("status.response") == 1 })
	conn.push(t, "other", map[string]string{})
	conn.push(t, "status.response", map[string]string{"state": "ok"})

	env := <-got
	var data map[string]string
	if err := env.Decode(&data); err != nil || data["state"] != "ok" {
		t.Fatalf("payload = %v, %v", data, err)
	}
}

func TestClient_WaitersOnSameTypeShareReply(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(&fakeDialer{conns: []*fakeConn{conn}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.WaitForMessage(context.Background(), "reply", time.Second)
		}(i)
	}
	waitFor(t, func() bool { return c.events.TopicCount("reply") == 2 })
	conn.push(t, "reply", map[string]int{"n": 1})
	wg.Wait()
	for i, err := range results {
		if err != nil {
			t.Fatalf("waiter %d: %v", i, err)
		}
	}
}

func TestClient_DispatchesGenericAndTyped(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(&fakeDialer{conns: []*fakeConn{conn}})
	all := c.Subscribe(TopicMessage)
	typed := c.Subscribe(TypeChatMessage)
	defer c.Unsubscribe(all)
	defer c.Unsubscribe(typed)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.push(t, TypeChatMessage, ChatMessage{ChannelID: "c1", Content: "hi"})

	for _, sub := range []string{"message", "typed"} {
		ch := all.Ch()
		if sub == "typed" {
			ch = typed.Ch()
		}
		select {
		case ev := <-ch:
			if ev.Payload.(Envelope).Type != TypeChatMessage {
				t.Fatalf("%s subscriber got %+v", sub, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber got nothing", sub)
		}
	}
}

func TestClient_ReconnectCapAndExplicitReset(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	failed := c.Subscribe(TopicError)
	defer c.Unsubscribe(failed)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}
	// One explicit dial plus five automatic retries.
	waitFor(t, func() bool { return d.dialCount() == 6 })
	time.Sleep(50 * time.Millisecond)
	if n := d.dialCount(); n != 6 {
		t.Fatalf("dials = %d, want 6 (cap exceeded)", n)
	}
	if st := c.Stats(); st.ReconnectAttempts != 5 || st.State != StateDisconnected {
		t.Fatalf("stats = %+v", st)
	}

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}
	waitFor(t, func() bool { return d.dialCount() == 12 })
	time.Sleep(50 * time.Millisecond)
	if n := d.dialCount(); n != 12 {
		t.Fatalf("dials after reset = %d, want 12", n)
	}
}

func TestClient_ClosureTriggersReconnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	c := newTestClient(d)
	connected := c.Subscribe(TopicConnected)
	defer c.Unsubscribe(connected)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connected.Ch()
	first.Close()

	select {
	case <-connected.Ch():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if !c.IsConnected() {
		t.Fatal("expected connected after reconnect")
	}
	if st := c.Stats(); st.ReconnectAttempts != 1 {
		t.Fatalf("attempts = %d, want 1 after a short-lived connection", st.ReconnectAttempts)
	}
}

func TestClient_NilMetricsDoNotPanic(t *testing.T) {
	conn := newFakeConn()
	c := New(Options{
		Dialer:         &fakeDialer{conns: []*fakeConn{conn}},
		ReconnectDelay: 5 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer c.Disconnect()
	ctx := context.Background()

	if sent, err := c.Send(ctx, "queued", nil); sent || err != nil {
		t.Fatalf("Send while disconnected = %v, %v", sent, err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sent, err := c.Send(ctx, "direct", nil); !sent || err != nil {
		t.Fatalf("Send while connected = %v, %v", sent, err)
	}
	reply := c.Subscribe("pong")
	defer c.Unsubscribe(reply)
	conn.push(t, "pong", nil)
	select {
	case <-reply.Ch():
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not dispatched")
	}
	if got := len(conn.written()); got != 2 {
		t.Fatalf("written = %d, want 2", got)
	}
}

func TestClient_FlappingSocketRespectsCap(t *testing.T) {
	d := &fakeDialer{flapping: true}
	c := newTestClient(d)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// One explicit dial plus five automatic retries, then nothing.
	waitFor(t, func() bool { return d.dialCount() == 6 })
	time.Sleep(50 * time.Millisecond)
	if n := d.dialCount(); n != 6 {
		t.Fatalf("dials = %d, want 6", n)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after exhaustion: %v", err)
	}
	waitFor(t, func() bool { return d.dialCount() == 12 })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestClient_StableConnectionRestoresBudget(t *testing.T) {
	tests := []struct {
		name      string
		uptime    time.Duration
		wantDials int
	}{
		{name: "stable connection", uptime: time.Hour, wantDials: 3},
		{name: "short-lived connection", uptime: 0, wantDials: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, second, third := newFakeConn(), newFakeConn(), newFakeConn()
			d := &fakeDialer{conns: []*fakeConn{first, second, third}}
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			c := New(Options{
				Dialer:               d,
				ReconnectDelay:       5 * time.Millisecond,
				MaxReconnectAttempts: 1,
				StableAfter:          time.Minute,
				Now:                  clock.Now,
				Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			defer c.Disconnect()

			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			first.Close()
			waitFor(t, func() bool { return d.dialCount() == 2 && c.IsConnected() })

			clock.Advance(tt.uptime)
			second.Close()
			waitFor(t, func() bool { return d.dialCount() == tt.wantDials })
			time.Sleep(50 * time.Millisecond)
			if n := d.dialCount(); n != tt.wantDials {
				t.Fatalf("dials = %d, want %d", n, tt.wantDials)
			}
		})
	}
}

func TestClient_SupersededConnectClosesItsSocket(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	first.gate = make(chan struct{})
	first.entered = make(chan struct{}, 1)
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	c := newTestClient(d)
	defer c.Disconnect()
	ctx := context.Background()

	if _, err := c.Send(ctx, "queued", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	firstErr := make(chan error, 1)
	go func() { firstErr <- c.Connect(ctx) }()
	<-first.entered

	secondErr := make(chan error, 1)
	go func() { secondErr <- c.Connect(ctx) }()
	waitFor(t, func() bool { return d.dialCount() == 2 })
	close(first.gate)

	if err := <-firstErr; err == nil {
		t.Fatal("expected the earlier connect to report it was superseded")
	}
	if err := <-secondErr; err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if first.Open() {
		t.Fatal("superseded socket left open")
	}
	if !c.IsConnected() {
		t.Fatal("expected connected on the newer socket")
	}
	if sent, err := c.Send(ctx, "after", nil); !sent || err != nil {
		t.Fatalf("Send after takeover = %v, %v", sent, err)
	}
	if got := second.written(); len(got) != 1 || got[0].Type != "after" {
		t.Fatalf("second socket writes = %+v", got)
	}
}

func TestClient_DisconnectSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := newTestClient(d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	time.Sleep(30 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	if c.IsConnected() {
		t.Fatal("expected disconnected")
	}
	sent, err := c.Send(context.Background(), "later", nil)
	if err != nil || sent {
		t.Fatalf("Send while disconnected = %v, %v; want queued", sent, err)
	}
}

func TestClient_IsConnectedTracksTransport(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(&fakeDialer{conns: []*fakeConn{conn}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected connected")
	}
	conn.dead.Store(true)
	if c.IsConnected() {
		t.Fatal("IsConnected must be false when the transport is not open")
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %q; the flag may lag the transport", c.State())
	}
}

func TestClient_ConnectTimeout(t *testing.T) {
	c := New(Options{
		Dialer: dialFunc(func(ctx context.Context, url string) (Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		ConnectTimeout: 20 * time.Millisecond,
		ReconnectDelay: time.Hour,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer c.Disconnect()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect err = %v, want ErrConnectTimeout", err)
	}
}

type dialFunc func(ctx context.Context, url string) (Conn, error)

func (f dialFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

func TestClient_HelpersShapePayloads(t *testing.T) {
	conn := newFakeConn()
	c := New(Options{
		Dialer: &fakeDialer{conns: []*fakeConn{conn}},
		Now:    func() time.Time { return time.UnixMilli(1700000000000) },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.SendChatMessage(ctx, "telegram-1", "hello"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	for _, call := range []func(context.Context) (bool, error){c.GetChannels, c.GetProviders, c.ReloadSkills, c.GetStatus} {
		if sent, err := call(ctx); err != nil || !sent {
			t.Fatalf("helper = %v, %v", sent, err)
		}
	}

	writes := conn.written()
	wantTypes := []string{TypeChatMessage, TypeChannelsList, TypeProvidersList, TypeSkillsReload, TypeStatusGet}
	if len(writes) != len(wantTypes) {
		t.Fatalf("writes = %d, want %d", len(writes), len(wantTypes))
	}
	for i, want := range wantTypes {
		if writes[i].Type != want {
			t.Fatalf("write %d type = %q, want %q", i, writes[i].Type, want)
		}
		if writes[i].Timestamp != 1700000000000 {
			t.Fatalf("write %d timestamp = %d", i, writes[i].Timestamp)
		}
	}
	var msg ChatMessage
	if err := writes[0].Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ChannelID != "telegram-1" || msg.Content != "hello" || msg.Timestamp != 1700000000000 {
		t.Fatalf("chat payload = %+v", msg)
	}
	if string(writes[1].Data) != "{}" {
		t.Fatalf("empty payload = %s, want {}", writes[1].Data)
	}
}

func TestClient_SendRejectsUnencodablePayload(t *testing.T) {
	c := newTestClient(&fakeDialer{})
	if _, err := c.Send(context.Background(), "bad", make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
	if c.Stats().QueuedMessages != 0 {
		t.Fatal("unencodable payload must not be queued")
	}
}

func TestClient_RequestRegistersBeforeSending(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(&fakeDialer{conns: []*fakeConn{conn}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	reply, _ := json.Marshal(Envelope{Type: TypeChannelsListResponse, Data: json.RawMessage(`{"channels":["telegram"]}`)})
	go func() {
		for len(conn.written()) == 0 {
			time.Sleep(time.Millisecond)
		}
		conn.in <- reply
	}()
	env, err := c.ListChannels(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if env.Type != TypeChannelsListResponse {
		t.Fatalf("reply type = %q", env.Type)
	}
}
