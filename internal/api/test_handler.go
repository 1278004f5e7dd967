package api

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/session"
)

// TestHandler provides test-only endpoints used by E2E tests.
// These endpoints are only registered in test environments.
type TestHandler struct {
	pool    *pgxpool.Pool
	handler session.Handler
	logger  zerolog.Logger
}

// NewTestHandler creates a new TestHandler instance. Injected events go to
// handler, the same pipeline live sessions feed.
func NewTestHandler(pool *pgxpool.Pool, handler session.Handler, logger zerolog.Logger) *TestHandler {
	return &TestHandler{
		pool:    pool,
		handler: handler,
		logger:  logger.With().Str("component", "api").Str("handler", "test").Logger(),
	}
}

// InjectEvent feeds a synthetic inbound event for one of the caller's
// accounts, as if the network had delivered it.
func (h *TestHandler) InjectEvent(w http.ResponseWriter, r *http.Request) {
	accounts := AccountsHandler{pool: h.pool, logger: h.logger}
	account, ok := accounts.ownedAccount(w, r)
	if !ok {
		return
	}

	var event network.Event
	if !decodeJSON(w, r, &event) {
		return
	}
	if event.ExternalMessageID == 0 || event.Sender.ExternalUserID == 0 {
		http.Error(w, "external_message_id and sender.external_user_id are required", http.StatusBadRequest)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := h.handler.HandleEvent(r.Context(), account.ID, event); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
