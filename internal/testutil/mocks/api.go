// Package mocks holds testify mocks of the interfaces the HTTP layer depends on.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/session"
)

// ConversationService mocks api.ConversationService.
type ConversationService struct {
	mock.Mock
}

// NewConversationService creates the mock and asserts its expectations at cleanup.
func NewConversationService(t interface {
	mock.TestingT
	Cleanup(func())
}) *ConversationService {
	m := &ConversationService{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *ConversationService) Send(ctx context.Context, accountID, contactID, content string) (*models.Message, error) {
	args := m.Called(ctx, accountID, contactID, content)
	var message *models.Message
	if v := args.Get(0); v != nil {
		message = v.(*models.Message)
	}
	return message, args.Error(1)
}

func (m *ConversationService) MarkRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// SessionController mocks api.SessionController.
type SessionController struct {
	mock.Mock
}

// NewSessionController creates the mock and asserts its expectations at cleanup.
func NewSessionController(t interface {
	mock.TestingT
	Cleanup(func())
}) *SessionController {
	m := &SessionController{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *SessionController) Open(ctx context.Context, accountID string, handler session.Handler) (*session.Session, error) {
	args := m.Called(ctx, accountID, handler)
	var s *session.Session
	if v := args.Get(0); v != nil {
		s = v.(*session.Session)
	}
	return s, args.Error(1)
}

func (m *SessionController) Close(accountID string) {
	m.Called(accountID)
}

// Handler mocks session.Handler.
type Handler struct {
	mock.Mock
}

// NewHandler creates the mock and asserts its expectations at cleanup.
func NewHandler(t interface {
	mock.TestingT
	Cleanup(func())
}) *Handler {
	m := &Handler{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Handler) HandleEvent(ctx context.Context, accountID string, event network.Event) error {
	args := m.Called(ctx, accountID, event)
	return args.Error(0)
}
