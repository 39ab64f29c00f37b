package domain

import "time"

// ConversationSummary is one entry of the user's conversation list.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount *int      `json:"messageCount,omitempty"`
}

// Message is a single entry of a conversation.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Sources   []Source    `json:"sources,omitempty"`
	Agent     string      `json:"agent,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	File      *Attachment `json:"file,omitempty"`

	// Client-only stream bookkeeping, never sent by the server.
	InFlight bool   `json:"-"`
	Failed   bool   `json:"-"`
	Error    string `json:"-"`
}

// Clone returns a deep copy safe to hand out of a store.
func (m Message) Clone() Message {
	out := m
	if m.Sources != nil {
		out.Sources = make([]Source, len(m.Sources))
		for i, s := range m.Sources {
			out.Sources[i] = s.Clone()
		}
	}
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	return out
}

// Source is a citation attached to an assistant message.
type Source struct {
	Key        string                 `json:"key,omitempty"`
	Content    string                 `json:"content,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Similarity *float64               `json:"similarity,omitempty"`
}

// Clone returns a copy that does not share the metadata map.
func (s Source) Clone() Source {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Similarity != nil {
		v := *s.Similarity
		out.Similarity = &v
	}
	return out
}

// Attachment describes a file sent along with a user message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// MessageDelta is an incremental change applied to the trailing message of a conversation.
// A non-empty MessageID targets that message only; the delta is dropped when the
// trailing message is no longer that in-flight message.
type MessageDelta struct {
	MessageID string
	Content   string
	Sources   []Source
	Complete  bool
	Failure   string
}

// Change describes a mutation applied by the conversation store.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// Submission is a user message waiting to be streamed.
type Submission struct {
	ConversationID string      `json:"conversationId"`
	Message        string      `json:"message"`
	File           *Attachment `json:"file,omitempty"`
}
