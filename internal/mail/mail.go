// Package mail delivers rendered messages through SES, SMTP or the log.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	// ErrInvalidRecipient means the address cannot be parsed. Retrying will not help.
	ErrInvalidRecipient = errors.New("invalid recipient address")
	// ErrRejected means the provider refused the message itself.
	ErrRejected = errors.New("message rejected by provider")
)

// Message is one rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers a message. Errors matching ErrInvalidRecipient or
// ErrRejected are permanent; all others may succeed on a later attempt.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// IsPermanent reports whether err is a delivery error retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrRejected)
}

// NormalizeAddress validates a bare recipient address and returns it trimmed.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, addr, err)
	}

	return parsed.Address, nil
}

func (m Message) validate() (Message, error) {
	to, err := NormalizeAddress(m.To)
	if err != nil {
		return m, err
	}
	m.To = to

	if m.Subject == "" {
		return m, fmt.Errorf("message to %s: subject is required", to)
	}
	if m.HTML == "" && m.Text == "" {
		return m, fmt.Errorf("message to %s: body is required", to)
	}

	return m, nil
}
