package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/auth"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/ingest"
	"github.com/vdavid/vchat/backend/internal/network"
)

// PaginationInfo describes one page of a listing.
type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}

// GetOwnerFromContext extracts the authenticated owner's email from context
// and writes 401 when it is missing. Returns (email, true) on success.
func GetOwnerFromContext(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return email, true
}

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
// The limit is capped at maxPageSize.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	return page, limit
}

const maxPageSize = 500

// WriteJSONResponse encodes v to a buffer first so a failed encoding never
// leaves a partial body. Returns false if nothing usable was written.
func WriteJSONResponse(w http.ResponseWriter, logger zerolog.Logger, status int, v any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Warn().Err(err).Msg("failed to write response")
		return false
	}
	return true
}

// validID reports whether id can name a row. Malformed ids are treated as
// missing rather than reaching the database.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// decodeJSON reads a JSON request body into v and writes 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// WriteError maps engine errors onto HTTP statuses:
// rejected credentials 401, rate limits 429 with Retry-After, transport 502,
// requests the network refused 422, missing records 404, invalid input 400,
// storage and the rest 500.
func WriteError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)

	if wait, ok := network.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(max(wait.Seconds(), 1))))
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		http.Error(w, "Internal server error", status)
		return
	}

	logger.Info().Err(err).Int("status", status).Msg("request rejected")
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, network.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, network.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, network.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, network.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, db.ErrAccountNotFound),
		errors.Is(err, db.ErrContactNotFound),
		errors.Is(err, db.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrEmptyContent),
		errors.Is(err, network.ErrUnknownNetwork):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
