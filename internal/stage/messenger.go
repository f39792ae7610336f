package stage

import "context"

// Messenger is the collaborator that delivers human-facing notifications to a
// recipient channel. Send returns the provider's message id so later stages
// can replace or thread to it; replyTo is empty for standalone messages.
type Messenger interface {
	Send(ctx context.Context, channel, text, replyTo string) (string, error)
	Delete(ctx context.Context, channel, messageID string) error
}
