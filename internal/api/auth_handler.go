package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/db"
)

// AuthStatusResponse tells the frontend whether onboarding is done.
type AuthStatusResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	// IsSetupComplete is true once the owner has linked at least one account.
	IsSetupComplete bool `json:"isSetupComplete"`
}

type AuthHandler struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewAuthHandler(pool *pgxpool.Pool, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		pool:   pool,
		logger: logger.With().Str("component", "api").Str("handler", "auth").Logger(),
	}
}

func (h *AuthHandler) GetAuthStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(w, r)
	if !ok {
		return
	}

	accounts, err := db.ListAccountsForOwner(r.Context(), h.pool, owner)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, AuthStatusResponse{
		IsAuthenticated: true,
		IsSetupComplete: len(accounts) > 0,
	})
}
