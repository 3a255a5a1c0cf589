// Package transport is the outbound email boundary. Implementations return
// errors already classified through the core taxonomy: wrapped ErrTransient
// for timeouts/throttling/5xx-equivalents, wrapped ErrPermanent for invalid
// addresses and hard bounces. Nil error means the provider accepted the
// message.
package transport

import (
	"context"
)

type Message struct {
	To        string
	FromName  string
	FromEmail string
	Subject   string
	Body      string
	Headers   map[string]string
}

type Transport interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}
