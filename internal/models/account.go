package models

import (
	"time"
)

// Account is a linked external-network identity owned by a V-Chat user.
type Account struct {
	ID                   string    `json:"id"`
	OwnerEmail           string    `json:"owner_email"`
	Network              string    `json:"network"`
	DisplayName          string    `json:"display_name"`
	EncryptedCredentials []byte    `json:"-"`
	EncryptedSession     []byte    `json:"-"`
	IsActive             bool      `json:"is_active"`
	StatusReason         string    `json:"status_reason"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AccountDailyStats holds the per-day counters maintained while recording.
type AccountDailyStats struct {
	AccountID        string    `json:"account_id"`
	Day              time.Time `json:"day"`
	MessagesSent     int       `json:"messages_sent"`
	MessagesReceived int       `json:"messages_received"`
	NewContacts      int       `json:"new_contacts"`
}

// ConnectAccountRequest represents the request payload for linking an account.
type ConnectAccountRequest struct {
	Network     string `json:"network"`
	DisplayName string `json:"display_name"`
	// Credentials are driver specific and stored encrypted.
	Credentials map[string]string `json:"credentials"`
}
