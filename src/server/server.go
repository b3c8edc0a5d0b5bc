// Package server exposes the start call / end call actions over HTTP, the
// browser microphone websocket and the process metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
	"github.com/square-key-labs/avatarcall/src/capture"
	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/logger"
	"github.com/square-key-labs/avatarcall/src/services/avatar"
	"github.com/square-key-labs/avatarcall/src/session"
)

// Options configures the HTTP surface
type Options struct {
	// Call is the template every new call starts from
	Call session.Config
	// DeviceCapture records from the local microphone instead of /ws/mic
	DeviceCapture bool
	Capture       capture.Options
	// OutputDir receives the avatar's video and audio per call when set
	OutputDir string
}

// StartRequest is the body of POST /api/calls
type StartRequest struct {
	Prompt    string                `json:"prompt"`
	Metadata  map[string]string     `json:"metadata"`
	Technical callmetrics.Technical `json:"technicalDetails"`
}

// Server routes UI actions to the call manager
type Server struct {
	echo  *echo.Echo
	calls *session.Manager
	opts  Options
	log   *logger.Logger

	// Calls outlive the request that started them
	ctx context.Context

	mu  sync.Mutex
	mic *capture.StreamSource
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// New builds the router. Calls started through it are hung up when ctx ends.
func New(ctx context.Context, calls *session.Manager, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:  e,
		calls: calls,
		opts:  opts,
		log:   logger.WithPrefix("HTTP"),
		ctx:   ctx,
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/api/calls", s.startCall)
	e.GET("/api/calls/current", s.currentCall)
	e.DELETE("/api/calls/current", s.endCall)
	e.GET("/ws/mic", s.micSocket)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.log.Info("Listening on %s", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) startCall(c echo.Context) error {
	var req StartRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		}
	}

	cfg := s.opts.Call
	cfg.Prompt = req.Prompt
	cfg.Metadata = req.Metadata
	cfg.Technical = req.Technical
	if cfg.Technical.Browser == "" {
		cfg.Technical.Browser = c.Request().UserAgent()
	}

	callID := uuid.New().String()
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]string{}
	}
	cfg.Metadata["sessionId"] = callID

	outputs, err := s.openOutputs(callID)
	if err != nil {
		s.log.Error("Failed to open avatar outputs: %v", err)
		return c.JSON(http.StatusInternalServerError, errorBody("Failed to initialize avatar"))
	}
	cfg.Renderer.VideoOutput, cfg.Renderer.AudioOutput = outputs[0], outputs[1]

	mic := s.newMic()
	call, err := s.calls.Start(s.ctx, cfg, mic)
	if err != nil {
		closeOutputs(outputs)
		if errors.Is(err, session.ErrSessionActive) {
			return c.JSON(http.StatusConflict, errorBody("A call is already in progress"))
		}
		s.log.Error("Failed to start call: %v", err)
		return c.JSON(http.StatusInternalServerError, errorBody("Failed to start call"))
	}

	if stream, ok := mic.(*capture.StreamSource); ok {
		s.mu.Lock()
		s.mic = stream
		s.mu.Unlock()
	}

	s.log.Info("Started call %s", callID)
	return c.JSON(http.StatusCreated, call.Snapshot())
}

func (s *Server) currentCall(c echo.Context) error {
	call := s.calls.Current()
	if call == nil {
		return c.JSON(http.StatusNotFound, errorBody("No call"))
	}
	return c.JSON(http.StatusOK, call.Snapshot())
}

func (s *Server) endCall(c echo.Context) error {
	if err := s.calls.Hangup("user hangup"); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return c.JSON(http.StatusNotFound, errorBody("No call"))
		}
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	return c.JSON(http.StatusAccepted, s.calls.Current().Snapshot())
}

// micSocket feeds binary PCM16 messages into the current call's microphone
func (s *Server) micSocket(c echo.Context) error {
	s.mu.Lock()
	mic := s.mic
	s.mu.Unlock()
	if mic == nil {
		return c.JSON(http.StatusConflict, errorBody("No call is waiting for microphone audio"))
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("Microphone websocket upgrade failed: %v", err)
		return nil
	}
	defer conn.Close()

	s.log.Info("Microphone stream connected")
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("Microphone stream closed: %v", err)
			return nil
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := mic.Push(data); err != nil {
			// The call ended and closed its microphone
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(time.Second))
			return nil
		}
	}
}

func (s *Server) newMic() capture.Source {
	opts := s.opts.Capture
	opts.OnDropout = func() {
		if call := s.calls.Current(); call != nil {
			call.ReportDropout(frames.SourceCapture)
		}
	}
	if s.opts.DeviceCapture {
		return capture.NewDeviceSource(opts)
	}
	return capture.NewStreamSource(opts)
}

// openOutputs creates the per-call video and audio files. Both are nil when
// no output directory is configured.
func (s *Server) openOutputs(callID string) ([2]avatar.MediaOutput, error) {
	var outs [2]avatar.MediaOutput
	if s.opts.OutputDir == "" {
		return outs, nil
	}
	if err := os.MkdirAll(s.opts.OutputDir, 0o755); err != nil {
		return outs, err
	}

	vf, err := os.Create(filepath.Join(s.opts.OutputDir, callID+".ivf"))
	if err != nil {
		return outs, err
	}
	video, err := avatar.NewIVFVideoOutput(vf)
	if err != nil {
		vf.Close()
		return outs, fmt.Errorf("ivf writer: %w", err)
	}

	af, err := os.Create(filepath.Join(s.opts.OutputDir, callID+".wav"))
	if err != nil {
		video.Close()
		return outs, err
	}
	outs[0], outs[1] = video, avatar.NewPCMAudioOutput(af)
	return outs, nil
}

func closeOutputs(outs [2]avatar.MediaOutput) {
	for _, o := range outs {
		if o != nil {
			o.Close()
		}
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
