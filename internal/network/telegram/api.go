package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/vdavid/vchat/backend/internal/network"
)

type apiClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func newAPIClient(httpClient *http.Client, baseURL, token string) *apiClient {
	return &apiClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Chat      *chat  `json:"chat,omitempty"`
	From      *user  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Contact   *struct {
		PhoneNumber string `json:"phone_number"`
		UserID      int64  `json:"user_id,omitempty"`
	} `json:"contact,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// envelope is the common shape of every Bot API response.
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func (api *apiClient) getMe(ctx context.Context) (*user, error) {
	var me user
	if err := api.call(ctx, http.MethodGet, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

func (api *apiClient) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, error) {
	secs := int(timeout.Seconds())
	if secs < 0 {
		secs = 0
	}
	method := fmt.Sprintf("getUpdates?timeout=%d&allowed_updates=%%5B%%22message%%22%%5D", secs)
	if offset > 0 {
		method += fmt.Sprintf("&offset=%d", offset)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []update
	if err := api.call(reqCtx, http.MethodGet, method, nil, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (api *apiClient) sendMessage(ctx context.Context, chatID int64, text string) (*message, error) {
	var sent message
	if err := api.call(ctx, http.MethodPost, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

// call performs one Bot API request and maps failures onto the network error kinds.
func (api *apiClient) call(ctx context.Context, httpMethod, method string, body any, result any) error {
	url := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
	name, _, _ := strings.Cut(method, "?")

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telegram %s: failed to encode request: %w", name, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, url, reader)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := api.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// url.Error repeats the request URL, which contains the bot token.
		var urlErr *neturl.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return network.TransportError("telegram "+name, err)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return network.TransportError("telegram "+name, err)
	}

	var out envelope
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return network.AuthError("telegram %s: %s", name, describe(out, raw))
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if out.Parameters != nil && out.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(out.Parameters.RetryAfter) * time.Second
		}
		return &network.RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		return network.TransportError("telegram "+name, fmt.Errorf("telegram http %d: %s", resp.StatusCode, describe(out, raw)))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return network.RejectedError("telegram %s: http %d: %s", name, resp.StatusCode, describe(out, raw))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, describe(out, raw))
	}

	if !out.OK {
		return fmt.Errorf("telegram %s: ok=false: %s", name, out.Description)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("telegram %s: failed to decode result: %w", name, err)
	}
	return nil
}

func describe(out envelope, raw []byte) string {
	if out.Description != "" {
		return out.Description
	}
	return strings.TrimSpace(string(raw))
}
