// Package content turns a campaign template plus one recipient into the
// final message. AI-generated bodies are pinned per (campaign, recipient) so
// a retried unit always sends what the delivery record says it sent.
package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailforge/campaign-engine/internal/core"
)

// Generator is the AI collaborator. It may time out or fail; the resolver
// maps that into a transient delivery error.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Cache is the idempotent content store, backed by core.Store.
type Cache interface {
	CachedContent(ctx context.Context, campaignID, recipientID string) (subject, body string, ok bool, err error)
	PutContent(ctx context.Context, campaignID, recipientID, subject, body string) error
}

type Resolver struct {
	Cache      Cache
	Generator  Generator
	GenTimeout time.Duration
}

func NewResolver(cache Cache, gen Generator, genTimeout time.Duration) *Resolver {
	return &Resolver{Cache: cache, Generator: gen, GenTimeout: genTimeout}
}

// Resolve returns the subject and body for one recipient. Plain templates
// are substituted directly; AI campaigns go through the cache first and the
// generator on a miss, under a bounded timeout.
func (r *Resolver) Resolve(ctx context.Context, c core.Campaign, rcpt core.Recipient) (string, string, error) {
	subject, body := c.Subject, c.Template

	if c.AIGenerated {
		cachedSubj, cachedBody, ok, err := r.Cache.CachedContent(ctx, c.ID, rcpt.ID)
		if err != nil {
			return "", "", core.Transient(err)
		}
		if ok {
			subject, body = cachedSubj, cachedBody
		} else {
			generated, err := r.generate(ctx, c, rcpt)
			if err != nil {
				return "", "", err
			}
			if err := r.Cache.PutContent(ctx, c.ID, rcpt.ID, subject, generated); err != nil {
				return "", "", core.Transient(err)
			}
			// Re-read so concurrent generators converge on the first write.
			subject, body, _, err = r.Cache.CachedContent(ctx, c.ID, rcpt.ID)
			if err != nil {
				return "", "", core.Transient(err)
			}
		}
	}

	return personalize(subject, rcpt), personalize(body, rcpt), nil
}

func (r *Resolver) generate(ctx context.Context, c core.Campaign, rcpt core.Recipient) (string, error) {
	if r.Generator == nil {
		return "", core.Transient(fmt.Errorf("campaign %s requires generation but no generator is configured", c.ID))
	}
	genCtx, cancel := context.WithTimeout(ctx, r.GenTimeout)
	defer cancel()

	out, err := r.Generator.Generate(genCtx, buildPrompt(c, rcpt))
	if err != nil {
		// Timeouts and generator failures ride the normal retry path.
		return "", core.Transient(fmt.Errorf("generate content: %w", err))
	}
	return out, nil
}

func buildPrompt(c core.Campaign, rcpt core.Recipient) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a marketing email body in HTML.\n\nSubject: %s\n\nBrief:\n%s\n", c.Subject, c.Template)
	if len(rcpt.Attributes) > 0 {
		b.WriteString("\nRecipient details:\n")
		for k, v := range rcpt.Attributes {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	b.WriteString("\nKeep placeholders like {first_name} intact for personalization.")
	return b.String()
}

// personalize substitutes {key} placeholders from recipient attributes and
// the built-in {email}. Unknown placeholders are left untouched.
func personalize(text string, rcpt core.Recipient) string {
	out := strings.ReplaceAll(text, "{email}", rcpt.Address)
	for k, v := range rcpt.Attributes {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
