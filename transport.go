package chatsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Transport names accepted in ConnConfig.Transports.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Envelope is the wire frame used in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

var (
	errTransportClosed = errors.New("transport closed")
	maxFrameSize       = int64(1 << 20)
)

// transport is one established channel to the server. Read is only called
// from a single goroutine; Write may be called concurrently with it.
type transport interface {
	Name() string
	SessionID() string
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// dialFunc opens a transport and completes the handshake, which ends with
// the server's "authenticated" frame. ctx bounds the handshake only.
type dialFunc func(ctx context.Context, cfg *ConnConfig, id Identity) (transport, error)

var dialers = map[string]dialFunc{
	TransportWebSocket: dialWebSocket,
	TransportPolling:   dialPolling,
}

func readAuthenticated(env Envelope) (string, error) {
	if env.Type != "authenticated" {
		return "", fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	var p authenticatedPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", fmt.Errorf("decode authenticated payload: %w", err)
		}
	}
	return p.SessionID, nil
}

// ============================================================================
// WebSocket transport
// ============================================================================

type wsTransport struct {
	conn *websocket.Conn
	sid  string
}

func dialWebSocket(ctx context.Context, cfg *ConnConfig, id Identity) (transport, error) {
	wsURL := strings.Replace(cfg.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket?" + id.query()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:      cfg.HTTPClient,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	t := &wsTransport{conn: conn}
	env, err := t.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	if t.sid, err = readAuthenticated(env); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, err
	}
	return t, nil
}

func (t *wsTransport) Name() string { return TransportWebSocket }
func (t *wsTransport) SessionID() string { return t.sid }

func (t *wsTransport) Read(ctx context.Context) (Envelope, error) {
	var env Envelope
	if err := wsjson.Read(ctx, t.conn, &env); err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return Envelope{}, fmt.Errorf("%w: %v", errServerDisconnect, err)
		case -1:
			return Envelope{}, err
		default:
			return Envelope{}, fmt.Errorf("%w: %v", errTransportClosed, err)
		}
	}
	return env, nil
}

func (t *wsTransport) Write(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, t.conn, env)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, ReasonClientDisconnect)
}

// ============================================================================
// Polling transport (SSE downstream, POST upstream)
// ============================================================================

type pollTransport struct {
	baseURL string
	client  *http.Client
	sid     string

	ctx       context.Context
	cancel    context.CancelFunc
	frames    chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func dialPolling(ctx context.Context, cfg *ConnConfig, id Identity) (transport, error) {
	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, "GET", cfg.URL+"/socket/stream?"+id.query(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	t := &pollTransport{
		baseURL: cfg.URL,
		client:  cfg.HTTPClient,
		ctx:     streamCtx,
		cancel:  cancel,
		frames:  make(chan Envelope, 16),
		done:    make(chan struct{}),
	}
	go t.readLoop(resp.Body)

	env, err := t.Read(ctx)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	if !stop() {
		t.Close()
		return nil, ctx.Err()
	}
	if t.sid, err = readAuthenticated(env); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *pollTransport) Name() string { return TransportPolling }
func (t *pollTransport) SessionID() string { return t.sid }

func (t *pollTransport) readLoop(body io.ReadCloser) {
	defer body.Close()
	defer close(t.done)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), int(maxFrameSize))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env Envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		select {
		case t.frames <- env:
		case <-t.ctx.Done():
			t.err = errTransportClosed
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.err = err
	} else {
		t.err = fmt.Errorf("%w: stream ended", errTransportClosed)
	}
}

func (t *pollTransport) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.frames:
		return env, nil
	case <-t.done:
		// Drain frames that arrived before the stream ended.
		select {
		case env := <-t.frames:
			return env, nil
		default:
		}
		return Envelope{}, t.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *pollTransport) Write(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/socket/emit?sid="+t.sid, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("emit: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *pollTransport) Close() error {
	t.closeOnce.Do(t.cancel)
	return nil
}
