package stream

import (
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

// envelope is the JSON payload of one event on either transport.
type envelope struct {
	Type      string          `json:"type,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Content   string          `json:"content,omitempty"`
	Sources   []domain.Source `json:"sources,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Agent     string          `json:"agent,omitempty"`
}

// decodeEvent turns a payload into a typed event. name is the transport-level event
// name and is used when the payload does not carry a type.
// Unknown event types report ok=false and are skipped by the caller.
func decodeEvent(name string, data []byte) (ev domain.StreamEvent, ok bool, err error) {
	var env envelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return domain.StreamEvent{}, false, fmt.Errorf("failed to parse %s event: %w", eventName(name, env.Type), err)
		}
	}

	ev = domain.StreamEvent{Kind: domain.EventKind(eventName(name, env.Type)), Seq: env.Seq}
	switch ev.Kind {
	case domain.EventKindStart:
		ev.Start = &domain.StartEventData{MessageID: env.MessageID, Agent: env.Agent}
	case domain.EventKindDelta:
		ev.Delta = &domain.DeltaEventData{Content: env.Content}
	case domain.EventKindSources:
		ev.Sources = &domain.SourcesEventData{Sources: env.Sources}
	case domain.EventKindError:
		ev.Error = &domain.ErrorEventData{Code: env.Code, Message: env.Message}
	case domain.EventKindDone:
		ev.Done = &domain.DoneEventData{MessageID: env.MessageID}
	default:
		return domain.StreamEvent{}, false, nil
	}
	return ev, true, nil
}

func eventName(transport, payload string) string {
	if payload != "" {
		return payload
	}
	return transport
}
