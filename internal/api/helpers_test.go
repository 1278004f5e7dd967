package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/ingest"
	"github.com/vdavid/vchat/backend/internal/network"
)

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantPage  int
		wantLimit int
	}{
		{name: "defaults", query: "", wantPage: 1, wantLimit: 50},
		{name: "explicit values", query: "?page=3&limit=20", wantPage: 3, wantLimit: 20},
		{name: "invalid values fall back", query: "?page=abc&limit=-5", wantPage: 1, wantLimit: 50},
		{name: "limit is capped", query: "?limit=100000", wantPage: 1, wantLimit: maxPageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/conversations"+tt.query, nil)
			page, limit := ParsePaginationParams(req, 50)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "rejected credentials", err: network.AuthError("bad token"), want: http.StatusUnauthorized},
		{name: "rate limited", err: &network.RateLimitError{RetryAfter: 30 * time.Second}, want: http.StatusTooManyRequests},
		{name: "transport failure", err: network.TransportError("send", errors.New("reset")), want: http.StatusBadGateway},
		{name: "request refused by the network", err: network.RejectedError("telegram sendMessage: http 400: Bad Request: chat not found"), want: http.StatusUnprocessableEntity},
		{name: "missing contact", err: fmt.Errorf("lookup: %w", db.ErrContactNotFound), want: http.StatusNotFound},
		{name: "empty content", err: ingest.ErrEmptyContent, want: http.StatusBadRequest},
		{name: "storage failure", err: &ingest.StorageError{Stage: ingest.StageMessageRecorded, Err: errors.New("down")}, want: http.StatusInternalServerError},
		{name: "anything else", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			WriteError(rr, zerolog.Nop(), tt.err)
			assert.Equal(t, tt.want, rr.Code)
		})
	}

	t.Run("rate limit sets Retry-After", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteError(rr, zerolog.Nop(), &network.RateLimitError{RetryAfter: 30 * time.Second})
		assert.Equal(t, "30", rr.Header().Get("Retry-After"))
	})

	t.Run("internal errors are not echoed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteError(rr, zerolog.Nop(), errors.New("password=hunter2"))
		assert.NotContains(t, rr.Body.String(), "hunter2")
	})
}

func TestWriteJSONResponse(t *testing.T) {
	t.Run("writes status and body", func(t *testing.T) {
		rr := httptest.NewRecorder()
		ok := WriteJSONResponse(rr, zerolog.Nop(), http.StatusCreated, map[string]int{"n": 1})
		assert.True(t, ok)
		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"n":1}`, rr.Body.String())
	})

	t.Run("unencodable value yields 500", func(t *testing.T) {
		rr := httptest.NewRecorder()
		ok := WriteJSONResponse(rr, zerolog.Nop(), http.StatusOK, make(chan int))
		assert.False(t, ok)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("reports failed writes", func(t *testing.T) {
		w := &FailingResponseWriter{ResponseWriter: httptest.NewRecorder(), WriteShouldFail: true}
		assert.False(t, WriteJSONResponse(w, zerolog.Nop(), http.StatusOK, "x"))
	})
}
