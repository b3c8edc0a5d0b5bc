// Package avatar is the avatar renderer client. Audio is streamed to the
// renderer over a websocket; the lip-synced video and audio come back over
// a receive-only WebRTC peer connection.
package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/logger"
)

const (
	// SampleRate is the PCM16 rate the renderer ingests
	SampleRate = 16000

	defaultURL        = "wss://api.simli.ai/StartWebRTCSession"
	handshakeTimeout  = 15 * time.Second
	writeTimeout      = 5 * time.Second
	msgStart          = "START"
	msgStop           = "STOP"
	msgSkip           = "SKIP"
	msgSessionTimeout = "MAX SESSION LENGTH"
	msgIdleTimeout    = "IDLE TIME"
)

var (
	// ErrInvalidConfig is returned by Initialize for unusable configuration
	ErrInvalidConfig = errors.New("avatar: invalid config")
	// ErrNotInitialized is returned by Start before Initialize
	ErrNotInitialized = errors.New("avatar: not initialized")
	// ErrNotConnected is returned when sending without a live session
	ErrNotConnected = errors.New("avatar: not connected")
	// ErrNeedsReset is returned when the client is reused without Reset
	ErrNeedsReset = errors.New("avatar: client must be reset before reuse")
	// ErrStillOpen is returned by Reset before Close
	ErrStillOpen = errors.New("avatar: client still open")
)

// MediaOutput receives the renderer's RTP stream for one media kind
type MediaOutput interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Config is the renderer session configuration
type Config struct {
	FaceID           string
	APIKey           string
	HandleSilence    bool
	MaxSessionLength time.Duration
	MaxIdleTime      time.Duration
	VideoOutput      MediaOutput
	AudioOutput      MediaOutput

	URL        string
	ICEServers []string
}

type metadata struct {
	FaceID           string `json:"faceId"`
	IsJPG            bool   `json:"isJPG"`
	APIKey           string `json:"apiKey"`
	SyncAudio        bool   `json:"syncAudio"`
	HandleSilence    bool   `json:"handleSilence"`
	MaxSessionLength int    `json:"maxSessionLength"`
	MaxIdleTime      int    `json:"maxIdleTime"`
}

type sdpMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Client drives one renderer session at a time. Lifecycle:
// Initialize, Start, Close, Reset, and again.
type Client struct {
	log     *logger.Logger
	newPeer peerFactory

	mu          sync.Mutex
	cfg         Config
	initialized bool
	started     bool
	closed      bool
	conn        *websocket.Conn
	pc          peer
	emit        func(frames.Frame)
	ended       bool
	done        chan struct{}

	writeMu sync.Mutex
}

func NewClient() *Client {
	return &Client{
		log:     logger.WithPrefix("AvatarRenderer"),
		newPeer: newPionPeer,
	}
}

// Initialize validates and stores the session configuration
func (c *Client) Initialize(cfg Config) error {
	if cfg.FaceID == "" {
		return fmt.Errorf("%w: face id is required", ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	if cfg.MaxSessionLength < 0 || cfg.MaxIdleTime < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrNeedsReset
	}
	c.cfg = cfg
	c.initialized = true
	return nil
}

// MaxIdleTime returns the configured idle limit
func (c *Client) MaxIdleTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MaxIdleTime
}

// Start opens the signaling socket and negotiates media. It returns once
// the answer is applied; RendererConnectedFrame follows when the renderer
// starts streaming.
func (c *Client) Start(ctx context.Context, emit func(frames.Frame)) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.started {
		c.mu.Unlock()
		return ErrNeedsReset
	}
	c.started = true
	c.emit = emit
	cfg := c.cfg
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	pc, err := c.newPeer(cfg, c.log, func(err error) {
		c.end(frames.ReasonTransport, err)
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	c.mu.Lock()
	c.pc = pc
	closed := c.closed
	c.mu.Unlock()
	if closed {
		pc.Close()
		return ErrNotConnected
	}

	offer, err := pc.Offer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to avatar renderer: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	closed = c.closed
	c.mu.Unlock()
	if closed {
		conn.Close()
		return ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	if err := c.writeJSON(sdpMessage{Type: offer.Type.String(), SDP: offer.SDP}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	if err := c.writeJSON(metadata{
		FaceID:           cfg.FaceID,
		APIKey:           cfg.APIKey,
		SyncAudio:        true,
		HandleSilence:    cfg.HandleSilence,
		MaxSessionLength: int(cfg.MaxSessionLength / time.Second),
		MaxIdleTime:      int(cfg.MaxIdleTime / time.Second),
	}); err != nil {
		return fmt.Errorf("failed to send metadata: %w", err)
	}

	answer, err := readAnswer(conn)
	if err != nil {
		return err
	}
	if err := pc.Accept(answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	c.mu.Lock()
	c.done = done
	c.mu.Unlock()
	go c.receive(conn, done)

	c.log.Info("Negotiated session for face %s", cfg.FaceID)
	return nil
}

// readAnswer skips acknowledgements until the SDP answer arrives
func readAnswer(conn *websocket.Conn) (webrtc.SessionDescription, error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to read answer: %w", err)
		}
		text := strings.TrimSpace(string(msg))
		if !strings.HasPrefix(text, "{") {
			if strings.EqualFold(text, msgStop) || strings.Contains(strings.ToLower(text), "error") {
				return webrtc.SessionDescription{}, fmt.Errorf("%w: renderer rejected session: %s", ErrInvalidConfig, text)
			}
			continue
		}
		var answer sdpMessage
		if err := json.Unmarshal(msg, &answer); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("invalid answer: %w", err)
		}
		if answer.Type != "answer" {
			continue
		}
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}, nil
	}
}

func (c *Client) receive(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.end(frames.ReasonTransport, err)
			return
		}

		text := strings.ToUpper(strings.TrimSpace(string(msg)))
		switch {
		case text == msgStart:
			c.log.Info("Renderer started streaming")
			c.emitFrame(frames.NewRendererConnectedFrame())
		case text == msgStop:
			c.end(frames.ReasonRemoteStop, nil)
			return
		case strings.Contains(text, msgSessionTimeout):
			c.end(frames.ReasonMaxSessionLength, nil)
			return
		case strings.Contains(text, msgIdleTimeout):
			c.end(frames.ReasonMaxIdleTime, nil)
			return
		default:
			c.log.Debug("Renderer message: %s", text)
		}
	}
}

func (c *Client) emitFrame(f frames.Frame) {
	c.mu.Lock()
	emit, ended := c.emit, c.ended
	c.mu.Unlock()
	if emit != nil && !ended {
		emit(f)
	}
}

// end reports the session as gone, once. A Close issued by the owner is
// not reported.
func (c *Client) end(reason frames.DisconnectReason, err error) {
	c.mu.Lock()
	if c.ended || c.closed {
		c.ended = true
		c.mu.Unlock()
		return
	}
	c.ended = true
	emit := c.emit
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("Disconnected (%s): %v", reason, err)
	} else {
		c.log.Info("Disconnected (%s)", reason)
	}
	if emit != nil {
		emit(frames.NewRendererDisconnectedFrame(reason, err))
	}
}

// SendAudioData streams one frame. Frames above the renderer rate are
// downsampled.
func (c *Client) SendAudioData(frame *frames.AudioFrame) error {
	f, err := audio.Resample(frame, frame.SampleRate, SampleRate)
	if err != nil {
		return fmt.Errorf("avatar: %w", err)
	}
	return c.write(websocket.BinaryMessage, audio.PCMToBytes(f.Samples))
}

// ClearBuffer drops audio the renderer has queued but not yet played
func (c *Client) ClearBuffer() error {
	return c.write(websocket.TextMessage, []byte(msgSkip))
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	if c.closed || c.ended {
		conn = nil
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

// Close ends the session and releases the socket, peer connection and
// outputs. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, pc, done, cfg := c.conn, c.pc, c.done, c.cfg
	c.mu.Unlock()

	var errs []error
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		errs = append(errs, conn.Close())
	}
	if done != nil {
		<-done
	}
	if pc != nil {
		errs = append(errs, pc.Close())
	}
	for _, out := range []MediaOutput{cfg.VideoOutput, cfg.AudioOutput} {
		if out != nil {
			errs = append(errs, out.Close())
		}
	}

	c.log.Info("Closed")
	return errors.Join(errs...)
}

// Reset returns a closed client to its initial state
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started && !c.closed {
		return ErrStillOpen
	}
	c.cfg = Config{}
	c.initialized = false
	c.started = false
	c.closed = false
	c.ended = false
	c.conn = nil
	c.pc = nil
	c.emit = nil
	c.done = nil
	return nil
}
