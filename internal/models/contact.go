package models

import "time"

// Sender is the identity an external network reports for a message author.
type Sender struct {
	ExternalUserID int64  `json:"external_user_id"`
	Username       string `json:"username"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Phone          string `json:"phone"`
}

type Contact struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	ExternalUserID    int64      `json:"external_user_id"`
	Username          string     `json:"username"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	PhoneNumber       string     `json:"phone_number"`
	Notes             string     `json:"notes"`
	Tags              []string   `json:"tags"`
	LastInteractionAt *time.Time `json:"last_interaction_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// DisplayName returns the best human-readable name for the contact.
func (c *Contact) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	case c.Username != "":
		return c.Username
	default:
		return c.PhoneNumber
	}
}
