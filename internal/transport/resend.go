package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/mailforge/campaign-engine/internal/core"
)

// Resend sends through the Resend API.
type Resend struct {
	client *resend.Client
}

func NewResend(apiKey string) *Resend {
	return &Resend{client: resend.NewClient(apiKey)}
}

func (r *Resend) Send(ctx context.Context, msg Message) (string, error) {
	req := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.Body,
		Headers: msg.Headers,
	}
	sent, err := r.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	return sent.Id, nil
}

// classify maps provider failures onto the delivery taxonomy. Timeouts,
// network errors, throttling and server errors are retryable; validation
// rejections are not.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.Transient(err)
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "429"), strings.Contains(s, "rate_limit"):
		return core.Transient(err)
	case strings.Contains(s, "invalid"), strings.Contains(s, "validation_error"),
		strings.Contains(s, "422"), strings.Contains(s, "400"):
		return core.Permanent(err)
	case strings.Contains(s, "50"):
		return core.Transient(err)
	}
	// Unknown failures stay retryable; max attempts bounds the damage.
	return core.Transient(err)
}
