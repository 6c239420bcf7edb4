package chat

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no conversation matches the given id.
var ErrNotFound = errors.New("conversation not found")

// Repository persists conversations and their messages.
type Repository interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
}
