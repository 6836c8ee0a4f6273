package ports

import "context"

// Sink is a downstream consumer of measurement records. Each sink owns one
// RecordBuffer and drains it at its own pace; a stalled sink never slows
// its sibling.
type Sink interface {
	Name() string
	// Start establishes the sink's downstream connection. A failure here
	// is transient: Run keeps retrying, it does not abort the bridge.
	Start() error
	// Run consumes the sink's buffer until the context is cancelled.
	Run(ctx context.Context)
	// Stop flushes what it can within the context deadline, then closes.
	Stop(ctx context.Context) error
	// Delivered reports how many records the sink has acknowledged.
	Delivered() uint64
}
