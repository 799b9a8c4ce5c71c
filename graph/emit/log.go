package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer, one line per event.
//
// Text mode:
//
//	[executor_completed] workflow=wf-1 superstep=2 executor=increment
//
// JSON mode (JSONL):
//
//	{"workflow_id":"wf-1","superstep":2,"executor_id":"increment","msg":"executor_completed","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when nil).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes event. Lines from concurrent callers never interleave.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

type jsonEvent struct {
	WorkflowID string         `json:"workflow_id"`
	Superstep  int            `json:"superstep"`
	ExecutorID string         `json:"executor_id"`
	Msg        string         `json:"msg"`
	Meta       map[string]any `json:"meta"`
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(jsonEvent{
		WorkflowID: event.WorkflowID,
		Superstep:  event.Superstep,
		ExecutorID: event.ExecutorID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": "failed to marshal event: " + err.Error()})
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s superstep=%d", event.Msg, event.WorkflowID, event.Superstep)
	if event.ExecutorID != "" {
		fmt.Fprintf(l.writer, " executor=%s", event.ExecutorID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
