// internal/model/outbound_message.go
package model

import "time"

// OutboundMessage is one rendered email handed to the mail transport.
type OutboundMessage struct {
	ID         string    `json:"id"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}
