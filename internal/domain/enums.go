// Package domain defines the core client-side models for the chat client.
package domain

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StreamState represents the lifecycle state of a single live response stream.
type StreamState string

const (
	StreamStateIdle       StreamState = "IDLE"
	StreamStateOpening    StreamState = "OPENING"
	StreamStateStreaming  StreamState = "STREAMING"
	StreamStateCompleting StreamState = "COMPLETING"
	StreamStateClosed     StreamState = "CLOSED"
	StreamStateFailed     StreamState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s StreamState) Terminal() bool {
	return s == StreamStateClosed || s == StreamStateFailed
}

// EventKind identifies the variant of a StreamEvent.
type EventKind string

const (
	EventKindStart   EventKind = "start"
	EventKindDelta   EventKind = "delta"
	EventKindSources EventKind = "sources"
	EventKindError   EventKind = "error"
	EventKindDone    EventKind = "done"
)

// ChangeKind identifies what a conversation store mutation touched.
type ChangeKind string

const (
	ChangeConversationsLoaded ChangeKind = "conversations_loaded"
	ChangeConversationRemoved ChangeKind = "conversation_removed"
	ChangeMessagesLoaded      ChangeKind = "messages_loaded"
	ChangeMessageAppended     ChangeKind = "message_appended"
	ChangeMessageUpdated      ChangeKind = "message_updated"
	ChangeConversationsReset  ChangeKind = "conversations_reset"
)
