package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log lines to a writer.
//
// Supports text mode (human-readable key=value pairs) and JSON mode
// (one event per line), matching the teacher's log emitter.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout if nil).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		SessionID string                 `json:"sessionID"`
		Step      int                    `json:"step"`
		NodeID    string                 `json:"nodeID"`
		Msg       string                 `json:"msg"`
		Meta      map[string]interface{} `json:"meta,omitempty"`
	}{event.SessionID, event.Step, event.NodeID, event.Msg, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = l.writer.Write(append(data, '\n'))
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] sessionID=%s step=%d nodeID=%s", event.Msg, event.SessionID, event.Step, event.NodeID)
	if len(event.Meta) > 0 {
		metaJSON, _ := json.Marshal(event.Meta)
		_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
	}
	_, _ = fmt.Fprintln(l.writer)
}
