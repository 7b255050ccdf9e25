package events

import "context"

// Sink receives journal events for durable storage outside the process.
type Sink interface {
	Name() string
	Write(ctx context.Context, evt Event) error
	Ping(ctx context.Context) error
	Close() error
}
