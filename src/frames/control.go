package frames

// ControlFrame is the base for session bookkeeping frames
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

func newControlFrame(name string) *ControlFrame {
	return &ControlFrame{BaseFrame: NewBaseFrame(name)}
}

// TickFrame runs a scheduled callback on the session goroutine
type TickFrame struct {
	*ControlFrame
	Fn func()
}

func NewTickFrame(fn func()) *TickFrame {
	return &TickFrame{ControlFrame: newControlFrame("TickFrame"), Fn: fn}
}

// RecordCreatedFrame reports the outcome of creating the backing call record
type RecordCreatedFrame struct {
	*ControlFrame
	RecordID string
	Error    error
}

func NewRecordCreatedFrame(recordID string, err error) *RecordCreatedFrame {
	return &RecordCreatedFrame{ControlFrame: newControlFrame("RecordCreatedFrame"), RecordID: recordID, Error: err}
}

// FinalizedFrame reports that the recording pipeline finished
type FinalizedFrame struct {
	*ControlFrame
	Error error
}

func NewFinalizedFrame(err error) *FinalizedFrame {
	return &FinalizedFrame{ControlFrame: newControlFrame("FinalizedFrame"), Error: err}
}
