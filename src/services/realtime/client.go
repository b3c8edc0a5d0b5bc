// Package realtime is the conversational engine client. It speaks the
// realtime speech-to-speech websocket protocol and turns server events into
// frames for the call session.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/logger"
)

const (
	// SampleRate is the rate of PCM16 audio in both directions
	SampleRate = 24000

	defaultURL   = "wss://api.openai.com/v1/realtime"
	defaultModel = "gpt-4o-realtime-preview"
	writeTimeout = 5 * time.Second
	pingInterval = 5 * time.Second
)

var (
	// ErrNotConnected is returned by commands issued without a live session
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrStillConnected is returned by Reset before Disconnect
	ErrStillConnected = errors.New("realtime: client still connected")
)

// TurnDetection configures server-side voice activity detection
type TurnDetection struct {
	Threshold     float64
	PrefixPadding time.Duration
	Silence       time.Duration
}

// SessionConfig holds the per-call engine configuration
type SessionConfig struct {
	URL                string // defaults to the public realtime endpoint
	APIKey             string
	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	TurnDetection      TurnDetection
}

// Client is a single-session engine connection. It is reused across calls:
// Disconnect then Reset before the next Connect.
type Client struct {
	log *logger.Logger
	// pingInterval paces the keepalive pings that measure round-trip time
	pingInterval time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	emit         func(frames.Frame)
	cancel       context.CancelFunc
	done         chan struct{}
	disconnected bool

	writeMu sync.Mutex
}

func NewClient() *Client {
	return &Client{log: logger.WithPrefix("RealtimeEngine"), pingInterval: pingInterval}
}

// Connect dials the engine and sends the session configuration. The
// handshake completes asynchronously: EngineReadyFrame is emitted once the
// configuration is acknowledged and the initial response is created. All
// frames are passed to emit from the receive goroutine, in server order.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig, emit func(frames.Frame)) error {
	c.mu.Lock()
	if c.conn != nil || c.disconnected {
		c.mu.Unlock()
		return errors.New("realtime: client must be reset before reuse")
	}
	c.mu.Unlock()

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	base := cfg.URL
	if base == "" {
		base = defaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("realtime: invalid url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to realtime engine (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to realtime engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.disconnected {
		// Disconnect raced the dial
		c.mu.Unlock()
		cancel()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.emit = emit
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	conn.SetPongHandler(func(data string) error {
		sent, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			return nil
		}
		if rtt := time.Since(time.Unix(0, sent)); rtt >= 0 {
			emit(frames.NewLatencyFrame(frames.SourceEngine, rtt))
		}
		return nil
	})
	go c.receive(runCtx, conn)
	go c.keepalive(runCtx, conn)

	if err := c.send(sessionUpdateEvent{
		EventID: uuid.New().String(),
		Type:    evSessionUpdate,
		Session: buildSession(cfg),
	}); err != nil {
		c.Disconnect()
		return fmt.Errorf("failed to send session config: %w", err)
	}

	c.log.Info("Connected (model: %s)", model)
	return nil
}

func buildSession(cfg SessionConfig) sessionParams {
	p := sessionParams{
		Modalities:        []string{"audio", "text"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMs:   int(cfg.TurnDetection.PrefixPadding / time.Millisecond),
			SilenceDurationMs: int(cfg.TurnDetection.Silence / time.Millisecond),
		},
	}
	if cfg.TranscriptionModel != "" {
		p.InputAudioTranscription = &transcription{Model: cfg.TranscriptionModel}
	}
	return p
}

// AppendInputAudio forwards user audio. Frames above the engine rate are
// downsampled first.
func (c *Client) AppendInputAudio(frame *frames.AudioFrame) error {
	f, err := audio.Resample(frame, frame.SampleRate, SampleRate)
	if err != nil {
		return fmt.Errorf("realtime: input audio: %w", err)
	}
	return c.send(appendAudioEvent{
		EventID: uuid.New().String(),
		Type:    evAppendAudio,
		Audio:   base64.StdEncoding.EncodeToString(audio.PCMToBytes(f.Samples)),
	})
}

// CancelResponse asks the engine to stop the in-progress response
func (c *Client) CancelResponse() error {
	return c.send(simpleEvent{EventID: uuid.New().String(), Type: evCancel})
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	if c.disconnected {
		conn = nil
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// Disconnect closes the connection. No EngineDisconnectedFrame is emitted
// for a disconnect the caller asked for. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.disconnected || c.conn == nil {
		c.disconnected = true
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	conn, cancel, done := c.conn, c.cancel, c.done
	c.mu.Unlock()

	cancel()

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.log.Warn("Receive loop did not exit in time")
	}

	c.log.Info("Disconnected")
	return err
}

// Reset clears per-session state so the client can serve the next call
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.disconnected {
		return ErrStillConnected
	}
	c.conn = nil
	c.emit = nil
	c.cancel = nil
	c.done = nil
	c.disconnected = false
	return nil
}

// keepalive pings the engine until ctx ends. Pongs are handled on the
// receive goroutine.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := strconv.FormatInt(time.Now().UnixNano(), 10)
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("Ping failed: %v", err)
				return
			}
		}
	}
}

// receive reads server events until the connection fails or is closed
func (c *Client) receive(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	done, emit := c.done, c.emit
	c.mu.Unlock()
	defer close(done)

	st := &streamState{}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			expected := c.disconnected
			c.mu.Unlock()
			if !expected {
				c.log.Error("Connection lost: %v", err)
				emit(frames.NewEngineDisconnectedFrame(err))
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			c.log.Warn("Dropping malformed event: %v", err)
			continue
		}

		for _, f := range c.handleEvent(st, &ev) {
			emit(f)
		}
	}
}

// streamState is owned by the receive goroutine
type streamState struct {
	sessionID    string
	updated      bool
	ready        bool
	lastResponse string
}

func (c *Client) handleEvent(st *streamState, ev *serverEvent) []frames.Frame {
	switch ev.Type {
	case evSessionCreated:
		if ev.Session != nil {
			st.sessionID = ev.Session.ID
		}

	case evSessionUpdated:
		if st.updated {
			return nil
		}
		st.updated = true
		if err := c.send(simpleEvent{EventID: uuid.New().String(), Type: evResponseNew}); err != nil {
			return []frames.Frame{frames.NewErrorFrame(frames.SourceEngine, fmt.Errorf("failed to create initial response: %w", err))}
		}

	case evResponseCreated:
		id := ""
		if ev.Response != nil {
			id = ev.Response.ID
		}
		st.lastResponse = id
		out := []frames.Frame{frames.NewResponseStartedFrame(id)}
		if st.updated && !st.ready {
			st.ready = true
			c.log.Info("Handshake complete (session: %s)", st.sessionID)
			out = append([]frames.Frame{frames.NewEngineReadyFrame(st.sessionID)}, out...)
		}
		return out

	case evResponseDone:
		id, status := "", ""
		if ev.Response != nil {
			id, status = ev.Response.ID, ev.Response.Status
		}
		return []frames.Frame{frames.NewResponseDoneFrame(id, status)}

	case evAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warn("Dropping undecodable audio delta: %v", err)
			return nil
		}
		samples, err := audio.BytesToPCM(pcm)
		if err != nil {
			c.log.Warn("Dropping audio delta: %v", err)
			return nil
		}
		return []frames.Frame{frames.NewAssistantAudioFrame(ev.ResponseID, ev.ItemID, frames.NewAudioFrame(samples, SampleRate))}

	case evTranscriptDelta:
		f := frames.NewTranscriptFrame(frames.RoleAssistant, ev.ItemID, ev.Delta, false)
		f.ResponseID = ev.ResponseID
		return []frames.Frame{f}

	case evInputTranscription:
		return []frames.Frame{frames.NewTranscriptFrame(frames.RoleUser, ev.ItemID, ev.Transcript, true)}

	case evSpeechStarted:
		// Audio of a completed response may still be playing, so every
		// speech start is a potential barge-in. The session decides.
		return []frames.Frame{
			frames.NewUserStartedSpeakingFrame(time.Now()),
			frames.NewInterruptionFrame(st.lastResponse),
		}

	case evSpeechStopped:
		return []frames.Frame{frames.NewUserStoppedSpeakingFrame(time.Now())}

	case evError:
		msg := "unknown error"
		if ev.Error != nil {
			msg = fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)
		}
		c.log.Error("Engine error: %s", msg)
		return []frames.Frame{frames.NewErrorFrame(frames.SourceEngine, errors.New(msg))}

	default:
		c.log.Debug("Ignoring event %s", ev.Type)
	}
	return nil
}
