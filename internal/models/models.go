package models

import "time"

// TenantCredential is the stored OAuth credential for one mailbox owner.
// It is created by the external login flow and rewritten by the token
// lifecycle manager whenever the access token is refreshed. This service
// never deletes credentials on its own; deletion is an administrative
// action through the ops API.
type TenantCredential struct {
	SessionID      string
	MailAddress    string
	DisplayName    string
	AccessToken    string
	RefreshToken   string
	ExpiresAtMilli int64
	Scope          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApplyTokenPair folds a freshly issued token pair into the credential.
// Access token and expiry always move together so the stored record never
// mixes fields from two different refresh exchanges.
func (c *TenantCredential) ApplyTokenPair(pair TokenPair) {
	c.AccessToken = pair.AccessToken
	c.ExpiresAtMilli = pair.ExpiresAtMilli
	if pair.RefreshToken != "" {
		c.RefreshToken = pair.RefreshToken
	}
}

// TokenPair is the ephemeral result of one refresh-token exchange.
type TokenPair struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAtMilli int64
}

// RawMessagePart is one fetched unit from the mail protocol: the header and
// text sections of a single message, identified by its mailbox UID.
type RawMessagePart struct {
	UID         uint32
	HeaderBytes []byte
	BodyBytes   []byte
}

// NormalizedEmail is the unit persisted downstream. (TenantMailAddress,
// MessageUID) is the natural dedup key.
type NormalizedEmail struct {
	TenantMailAddress string    `json:"tenant_mail_address"`
	MessageUID        uint32    `json:"message_uid"`
	From              string    `json:"from"`
	To                []string  `json:"to"`
	Subject           string    `json:"subject"`
	Date              time.Time `json:"date"`
	MessageID         string    `json:"message_id"`
	TextBody          string    `json:"text_body"`
	HTMLBody          string    `json:"html_body,omitempty"`
}
