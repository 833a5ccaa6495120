package ports

import "context"

// Publisher delivers a raw JSON payload to a topic. Credential lifecycle events and asynchronous call
// results both go through it.
type Publisher interface {
	PublishRaw(ctx context.Context, arn string, payload []byte) error
}
