package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/interop/interop/internal/platform/ai"
)

const systemPrompt = `You are a healthcare data mapping assistant. You help
users map source fields to FHIR R4 elements and OMOP CDM columns, explain
vocabulary codes, and troubleshoot ingestion problems. Answer concisely.`

// Service runs assistant conversations. Each user message is stored, sent
// to the model with the conversation history, and the reply is stored as
// an assistant message.
type Service struct {
	repo   Repository
	llm    ai.LLMClient
	logger zerolog.Logger
}

func NewService(repo Repository, llm ai.LLMClient, logger zerolog.Logger) *Service {
	return &Service{repo: repo, llm: llm, logger: logger}
}

// StartConversation creates an empty conversation for a user.
func (s *Service) StartConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	if title == "" {
		title = "New conversation"
	}
	conv := &Conversation{
		ConversationID: uuid.NewString(),
		UserID:         userID,
		Title:          title,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.repo.GetConversation(ctx, id)
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	return s.repo.DeleteConversation(ctx, id)
}

func (s *Service) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID)
}

// SendMessage appends a user message and, when a model is configured,
// the assistant's reply. The user message is kept even when the model
// call fails.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string) ([]*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content must not be empty")
	}
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	userMsg := &Message{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
	}
	if err := s.repo.AddMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	out := []*Message{userMsg}

	if s.llm == nil || !s.llm.Available() {
		return out, nil
	}

	history, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return out, err
	}
	reply, err := s.llm.Complete(ctx, buildPrompt(history))
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("assistant reply failed")
		return out, nil
	}

	assistantMsg := &Message{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Content:        strings.TrimSpace(reply),
	}
	if err := s.repo.AddMessage(ctx, assistantMsg); err != nil {
		return out, err
	}
	return append(out, assistantMsg), nil
}

func buildPrompt(history []*Message) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	b.WriteString("assistant:")
	return b.String()
}
