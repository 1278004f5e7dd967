package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/crypto"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/session"
)

// SessionController starts and stops account sessions.
type SessionController interface {
	Open(ctx context.Context, accountID string, handler session.Handler) (*session.Session, error)
	Close(accountID string)
}

// AccountsHandler handles linking and unlinking network accounts.
type AccountsHandler struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	sessions  SessionController
	handler   session.Handler
	networks  []string
	logger    zerolog.Logger
}

// NewAccountsHandler creates a new AccountsHandler instance. Events of the
// sessions it opens go to handler; networks lists the accepted network names.
func NewAccountsHandler(
	pool *pgxpool.Pool,
	encryptor *crypto.Encryptor,
	sessions SessionController,
	handler session.Handler,
	networks []string,
	logger zerolog.Logger,
) *AccountsHandler {
	return &AccountsHandler{
		pool:      pool,
		encryptor: encryptor,
		sessions:  sessions,
		handler:   handler,
		networks:  networks,
		logger:    logger.With().Str("component", "api").Str("handler", "accounts").Logger(),
	}
}

// List returns the owner's accounts with their connection state.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(w, r)
	if !ok {
		return
	}

	accounts, err := db.ListAccountsForOwner(r.Context(), h.pool, owner)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, accounts)
}

// Connect stores a new account with encrypted credentials and opens its
// session. A failed login leaves the account inactive with the failure as
// its status reason.
func (h *AccountsHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(w, r)
	if !ok {
		return
	}

	var req models.ConnectAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.validate(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	encryptedCredentials, err := h.encryptor.EncryptJSON(req.Credentials)
	if err != nil {
		WriteError(w, h.logger, fmt.Errorf("failed to encrypt credentials: %w", err))
		return
	}

	account := &models.Account{
		OwnerEmail:           owner,
		Network:              req.Network,
		DisplayName:          req.DisplayName,
		EncryptedCredentials: encryptedCredentials,
	}
	if err := db.CreateAccount(ctx, h.pool, account); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	logger := h.logger.With().Str("account_id", account.ID).Str("network", account.Network).Logger()
	if _, err := h.sessions.Open(ctx, account.ID, h.handler); err != nil {
		WriteError(w, logger, err)
		return
	}
	logger.Info().Msg("account connected")

	connected, err := db.GetAccount(ctx, h.pool, account.ID)
	if err != nil {
		WriteError(w, logger, err)
		return
	}
	WriteJSONResponse(w, h.logger, http.StatusCreated, connected)
}

// Disconnect stops the account's session and marks it inactive.
func (h *AccountsHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}

	h.sessions.Close(account.ID)
	if err := db.DeactivateAccount(r.Context(), h.pool, account.ID, "disconnected"); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	h.logger.Info().Str("account_id", account.ID).Msg("account disconnected")
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns the account's counters for ?day=YYYY-MM-DD, today by default.
func (h *AccountsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}

	day := time.Now().UTC()
	if dayStr := r.URL.Query().Get("day"); dayStr != "" {
		parsed, err := time.Parse(time.DateOnly, dayStr)
		if err != nil {
			http.Error(w, "day must be formatted as YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	stats, err := db.GetDailyStats(r.Context(), h.pool, account.ID, day)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSONResponse(w, h.logger, http.StatusOK, stats)
}

func (h *AccountsHandler) validate(req *models.ConnectAccountRequest) error {
	req.Network = strings.TrimSpace(req.Network)
	if req.Network == "" {
		return errors.New("network is required")
	}
	if !slices.Contains(h.networks, req.Network) {
		return fmt.Errorf("%w: %s", network.ErrUnknownNetwork, req.Network)
	}
	if len(req.Credentials) == 0 {
		return errors.New("credentials are required")
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		req.DisplayName = req.Network
	}
	return nil
}

func (h *AccountsHandler) ownedAccount(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	owner, ok := GetOwnerFromContext(w, r)
	if !ok {
		return nil, false
	}

	accountID := r.PathValue("id")
	if !validID(accountID) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return nil, false
	}

	account, err := db.GetAccountForOwner(r.Context(), h.pool, owner, accountID)
	if errors.Is(err, db.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		WriteError(w, h.logger, err)
		return nil, false
	}
	return account, true
}
