package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/vdavid/vchat/backend/internal/ingest"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/testutil"
	"github.com/vdavid/vchat/backend/internal/testutil/mocks"
)

func TestTestHandler_InjectEvent(t *testing.T) {
	pool := testutil.NewTestDB(t)
	owner := "e2e@example.com"
	accountID := testutil.InsertAccount(t, pool, owner, "telegram")

	event := network.Event{
		ExternalMessageID: 7,
		Sender:            models.Sender{ExternalUserID: 99, FirstName: "Bob"},
		Text:              "ping",
	}

	t.Run("feeds the event to the pipeline", func(t *testing.T) {
		handler := mocks.NewHandler(t)
		handler.On("HandleEvent", mock.Anything, accountID, mock.MatchedBy(func(got network.Event) bool {
			return got.ExternalMessageID == 7 && got.Text == "ping" && !got.Timestamp.IsZero()
		})).Return(nil).Once()

		req := createRequestWithUser("POST", "/test/accounts/x/events", owner, event, "id", accountID)
		rr := httptest.NewRecorder()
		NewTestHandler(pool, handler, zerolog.Nop()).InjectEvent(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("reports storage failures", func(t *testing.T) {
		handler := mocks.NewHandler(t)
		handler.On("HandleEvent", mock.Anything, accountID, mock.Anything).
			Return(&ingest.StorageError{Stage: ingest.StageMessageRecorded, Err: errors.New("down")}).Once()

		req := createRequestWithUser("POST", "/test/accounts/x/events", owner, event, "id", accountID)
		rr := httptest.NewRecorder()
		NewTestHandler(pool, handler, zerolog.Nop()).InjectEvent(rr, req)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("requires message and sender ids", func(t *testing.T) {
		req := createRequestWithUser("POST", "/test/accounts/x/events", owner, network.Event{Text: "x"}, "id", accountID)
		rr := httptest.NewRecorder()
		NewTestHandler(pool, mocks.NewHandler(t), zerolog.Nop()).InjectEvent(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
