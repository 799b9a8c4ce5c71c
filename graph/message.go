package graph

import (
	"fmt"

	"github.com/dshills/superstep-go/graph/codec"
)

// MessageType distinguishes ordinary messages from responses to
// RequestInfo calls.
type MessageType string

const (
	MessageStandard MessageType = "standard"
	MessageResponse MessageType = "response"
)

// internalSourcePrefix marks the synthetic source used to route responses
// back to the executor that asked for them.
const internalSourcePrefix = "internal:"

// InternalSourceID returns the synthetic source ID through which responses
// are delivered to executorID.
func InternalSourceID(executorID string) string {
	return internalSourcePrefix + executorID
}

// Message is the envelope exchanged between executors. It is queued by the
// sender, delivered once through every edge runner attached to SourceID, and
// then discarded.
type Message struct {
	Data     any
	SourceID string
	// TargetID restricts delivery to one executor. Empty means every target
	// of the matching edge groups.
	TargetID string
	Type     MessageType

	// OriginalRequest is set on responses.
	OriginalRequest *RequestInfoEvent

	// TraceContexts holds W3C trace context carriers of the sending spans.
	TraceContexts []map[string]string
	SourceSpanIDs []string
}

// IsResponse reports whether m answers a RequestInfo call.
func (m Message) IsResponse() bool { return m.Type == MessageResponse }

// toDict converts m into its checkpoint form.
func (m Message) toDict() map[string]any {
	d := map[string]any{
		"data":             codec.Encode(m.Data),
		"source_id":        m.SourceID,
		"target_id":        nil,
		"type":             string(m.messageType()),
		"original_request": nil,
		"trace_contexts":   nil,
		"source_span_ids":  nil,
	}
	if m.TargetID != "" {
		d["target_id"] = m.TargetID
	}
	if m.OriginalRequest != nil {
		d["original_request"] = m.OriginalRequest.ToDict()
	}
	if len(m.TraceContexts) > 0 {
		tcs := make([]any, len(m.TraceContexts))
		for i, tc := range m.TraceContexts {
			carrier := make(map[string]any, len(tc))
			for k, v := range tc {
				carrier[k] = v
			}
			tcs[i] = carrier
		}
		d["trace_contexts"] = tcs
	}
	if len(m.SourceSpanIDs) > 0 {
		ids := make([]any, len(m.SourceSpanIDs))
		for i, id := range m.SourceSpanIDs {
			ids[i] = id
		}
		d["source_span_ids"] = ids
	}
	return d
}

func (m Message) messageType() MessageType {
	if m.Type == "" {
		return MessageStandard
	}
	return m.Type
}

// messageFromDict rebuilds a message from its checkpoint form. The payload is
// decoded back into registered Go types where possible.
func messageFromDict(d map[string]any) (Message, error) {
	source, ok := d["source_id"].(string)
	if !ok {
		return Message{}, fmt.Errorf("checkpoint message is missing source_id")
	}
	m := Message{
		Data:     codec.Decode(d["data"]),
		SourceID: source,
		Type:     MessageStandard,
	}
	if target, ok := d["target_id"].(string); ok {
		m.TargetID = target
	}
	if t, ok := d["type"].(string); ok && t != "" {
		m.Type = MessageType(t)
	}
	if raw, ok := d["original_request"].(map[string]any); ok {
		req, err := RequestInfoEventFromDict(raw)
		if err != nil {
			return Message{}, fmt.Errorf("checkpoint message original_request: %w", err)
		}
		m.OriginalRequest = req
	}
	if tcs, ok := d["trace_contexts"].([]any); ok {
		for _, raw := range tcs {
			carrier, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			tc := make(map[string]string, len(carrier))
			for k, v := range carrier {
				if s, ok := v.(string); ok {
					tc[k] = s
				}
			}
			m.TraceContexts = append(m.TraceContexts, tc)
		}
	}
	if ids, ok := d["source_span_ids"].([]any); ok {
		for _, raw := range ids {
			if s, ok := raw.(string); ok {
				m.SourceSpanIDs = append(m.SourceSpanIDs, s)
			}
		}
	}
	return m, nil
}
