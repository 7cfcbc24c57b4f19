package backend

import "github.com/pgrouter/pgrouter/internal/pgwire"

// ReplyState tracks how far the server has progressed through the response to
// a single command. It advances monotonically and ReplyDone is terminal for
// the command being tracked.
type ReplyState int

const (
	ReplyStart ReplyState = iota
	ReplyColdef
	ReplyRows
	ReplyLoadData
	ReplyDone
)

func (s ReplyState) String() string {
	switch s {
	case ReplyStart:
		return "start"
	case ReplyColdef:
		return "rset_coldef"
	case ReplyRows:
		return "rset_rows"
	case ReplyLoadData:
		return "load_data"
	case ReplyDone:
		return "done"
	}
	return "unknown"
}

// SQLError is a command error reported by the server via ErrorResponse.
type SQLError struct {
	Code     int
	SQLState string
	Message  string
}

// Reply accumulates the observed state of one command's response as the
// server's message stream is parsed. A fresh Reply is complete (idle); the
// accumulator is cleared when tracking of the next command begins.
type Reply struct {
	State      ReplyState
	Command    byte
	FieldCount uint32
	RowsRead   uint64
	BytesIn    uint64
	BytesOut   uint64
	Err        *SQLError
	Warnings   int
	IsOK       bool
	Variables  map[string]string
}

// NewReply returns an idle accumulator.
func NewReply() Reply {
	return Reply{State: ReplyDone, Variables: make(map[string]string)}
}

// IsComplete reports whether the current command's response has been fully
// observed (or no command is being tracked).
func (r *Reply) IsComplete() bool {
	return r.State == ReplyDone
}

// Clear resets the accumulator for the next command.
func (r *Reply) Clear() {
	*r = NewReply()
}

// SetError records a server-reported command error.
func (r *Reply) SetError(code int, sqlstate, message string) {
	r.Err = &SQLError{Code: code, SQLState: sqlstate, Message: message}
}

// TrxState returns the last observed transaction status byte, or 0 when none
// has been seen.
func (r *Reply) TrxState() byte {
	if v := r.Variables[pgwire.TrxStateVariable]; v != "" {
		return v[0]
	}
	return 0
}

// Describe renders the reply for logging.
func (r *Reply) Describe() string {
	if r.Err != nil {
		return "error " + r.Err.SQLState + ": " + r.Err.Message
	}
	if r.IsOK {
		return "ok"
	}
	return r.State.String()
}
