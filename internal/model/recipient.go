// internal/model/recipient.go
package model

import "time"

// RecipientID is an opaque key of a user in the identity store.
type RecipientID int64

// Recipient is the detail needed to address and personalise one email.
type Recipient struct {
	ID          RecipientID `db:"id" json:"id"`
	Login       string      `db:"login" json:"login"`
	Email       string      `db:"email" json:"email"`
	LastLoginAt *time.Time  `db:"last_login_at" json:"last_login_at,omitempty"`
}

// SiteContext holds the site-wide values available to templates.
type SiteContext struct {
	Title    string `json:"site_title"`
	HomeURL  string `json:"home_url"`
	LoginURL string `json:"login_url"`
}

// Group is a recipient group an operator can target.
type Group struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}
