package store

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChangeEvent describes a change to the conversation list. For deletes only
// Conversation.ID is set.
type ChangeEvent struct {
	Op           Operation
	Conversation Conversation
}

// OnChangeListener is called after a change has been committed.
// Implementations must not block.
type OnChangeListener interface {
	OnConversationChange(event ChangeEvent)
}
