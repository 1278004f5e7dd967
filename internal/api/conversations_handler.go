package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
)

// ConversationService sends replies and resets unread counters.
type ConversationService interface {
	Send(ctx context.Context, accountID, contactID, content string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// ConversationsResponse is one page of the owner's conversations.
type ConversationsResponse struct {
	Conversations []*models.Conversation `json:"conversations"`
	Pagination    PaginationInfo         `json:"pagination"`
}

// MessagesResponse is one page of a conversation's messages, oldest first.
type MessagesResponse struct {
	Messages   []*models.Message `json:"messages"`
	Pagination PaginationInfo    `json:"pagination"`
}

// ConversationsHandler handles conversation-related API requests.
type ConversationsHandler struct {
	pool    *pgxpool.Pool
	service ConversationService
	logger  zerolog.Logger
}

// NewConversationsHandler creates a new ConversationsHandler instance.
func NewConversationsHandler(pool *pgxpool.Pool, service ConversationService, logger zerolog.Logger) *ConversationsHandler {
	return &ConversationsHandler{
		pool:    pool,
		service: service,
		logger:  logger.With().Str("component", "api").Str("handler", "conversations").Logger(),
	}
}

// List returns a paginated list of the owner's conversations, most recent first.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(w, r)
	if !ok {
		return
	}

	page, limit := ParsePaginationParams(r, 50)
	offset := (page - 1) * limit

	conversations, total, err := db.ListConversationsForOwner(r.Context(), h.pool, owner, limit, offset)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, ConversationsResponse{
		Conversations: conversations,
		Pagination:    PaginationInfo{TotalCount: total, Page: page, PerPage: limit},
	})
}

// Messages returns a page of messages of one conversation.
func (h *ConversationsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conversation, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	page, limit := ParsePaginationParams(r, 100)
	offset := (page - 1) * limit

	messages, err := db.GetMessagesForConversation(r.Context(), h.pool, conversation.ID, limit, offset)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	total, err := db.CountMessagesForConversation(r.Context(), h.pool, conversation.ID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, MessagesResponse{
		Messages:   messages,
		Pagination: PaginationInfo{TotalCount: total, Page: page, PerPage: limit},
	})
}

// MarkRead resets the conversation's unread counter.
func (h *ConversationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversation, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	if err := h.service.MarkRead(r.Context(), conversation.ID); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Send delivers a reply to the conversation's contact and records it.
func (h *ConversationsHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversation, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	message, err := h.service.Send(r.Context(), conversation.AccountID, conversation.ContactID, req.Content)
	if err != nil {
		WriteError(w, h.logger.With().Str("conversation_id", conversation.ID).Logger(), err)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusCreated, message)
}

// ownedConversation loads the {id} conversation and checks it belongs to the
// caller. Conversations of other owners are reported as missing.
func (h *ConversationsHandler) ownedConversation(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	owner, ok := GetOwnerFromContext(w, r)
	if !ok {
		return nil, false
	}

	conversationID := r.PathValue("id")
	if !validID(conversationID) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return nil, false
	}

	conversation, err := db.GetConversationForOwner(r.Context(), h.pool, owner, conversationID)
	if errors.Is(err, db.ErrConversationNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		WriteError(w, h.logger, err)
		return nil, false
	}
	return conversation, true
}
