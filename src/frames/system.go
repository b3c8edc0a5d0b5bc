package frames

// SystemFrame is the base for lifecycle frames posted by the session owner
// and by the avatar renderer. They jump ahead of queued data frames.
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

func newSystemFrame(name string) *SystemFrame {
	return &SystemFrame{BaseFrame: NewBaseFrame(name)}
}

// EndFrame signals a user hangup
type EndFrame struct {
	*SystemFrame
	Reason string
}

func NewEndFrame(reason string) *EndFrame {
	return &EndFrame{SystemFrame: newSystemFrame("EndFrame"), Reason: reason}
}

// CancelFrame signals abrupt teardown (page closed, process shutting down)
type CancelFrame struct {
	*SystemFrame
}

func NewCancelFrame() *CancelFrame {
	return &CancelFrame{SystemFrame: newSystemFrame("CancelFrame")}
}

// Source identifies which side of the call produced a frame
type Source string

const (
	SourceEngine   Source = "conversational_engine"
	SourceRenderer Source = "avatar_renderer"
	SourceCapture  Source = "audio_capture"
	SourceRecord   Source = "call_record"
	SourceSession  Source = "session"
)

// ErrorFrame carries an error raised at an adapter boundary
type ErrorFrame struct {
	*SystemFrame
	Source Source
	Error  error
	// Fatal errors end the session even when it is already Active
	Fatal bool
}

func NewErrorFrame(source Source, err error) *ErrorFrame {
	return &ErrorFrame{SystemFrame: newSystemFrame("ErrorFrame"), Source: source, Error: err}
}

func NewFatalErrorFrame(source Source, err error) *ErrorFrame {
	f := NewErrorFrame(source, err)
	f.Fatal = true
	return f
}

// RendererConnectedFrame signals the avatar renderer is streaming media
type RendererConnectedFrame struct {
	*SystemFrame
}

func NewRendererConnectedFrame() *RendererConnectedFrame {
	return &RendererConnectedFrame{SystemFrame: newSystemFrame("RendererConnectedFrame")}
}

// DisconnectReason explains why the renderer went away
type DisconnectReason string

const (
	ReasonClosed           DisconnectReason = "closed"
	ReasonRemoteStop       DisconnectReason = "remote_stop"
	ReasonMaxSessionLength DisconnectReason = "max_session_length"
	ReasonMaxIdleTime      DisconnectReason = "max_idle_time"
	ReasonTransport        DisconnectReason = "transport_failure"
)

// Expected reports whether the disconnect is a normal end of call
func (r DisconnectReason) Expected() bool {
	switch r {
	case ReasonClosed, ReasonRemoteStop, ReasonMaxSessionLength, ReasonMaxIdleTime:
		return true
	}
	return false
}

// RendererDisconnectedFrame signals the avatar renderer session ended
type RendererDisconnectedFrame struct {
	*SystemFrame
	Reason DisconnectReason
	Error  error
}

func NewRendererDisconnectedFrame(reason DisconnectReason, err error) *RendererDisconnectedFrame {
	return &RendererDisconnectedFrame{
		SystemFrame: newSystemFrame("RendererDisconnectedFrame"),
		Reason:      reason,
		Error:       err,
	}
}

// ConnectTimeoutFrame fires when Connecting did not complete in time
type ConnectTimeoutFrame struct {
	*SystemFrame
}

func NewConnectTimeoutFrame() *ConnectTimeoutFrame {
	return &ConnectTimeoutFrame{SystemFrame: newSystemFrame("ConnectTimeoutFrame")}
}
