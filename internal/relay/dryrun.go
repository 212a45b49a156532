package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DryRunChannel records bundles instead of sending them. Nothing it accepts
// can land, so every bundle ends unknown.
type DryRunChannel struct {
	mu   sync.Mutex
	sent []*Bundle
	log  *zap.SugaredLogger
}

func NewDryRunChannel(log *zap.SugaredLogger) *DryRunChannel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DryRunChannel{log: log}
}

func (c *DryRunChannel) Name() string { return "dry-run" }

func (c *DryRunChannel) SendBundle(ctx context.Context, b *Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.sent = append(c.sent, b)
	c.mu.Unlock()
	c.log.Infof("dry run: bundle %s with %d txs for blocks %d-%d", b.ID, len(b.Txs), b.BlockNumber, b.MaxBlock)
	return b.ID.String(), nil
}

func (c *DryRunChannel) Status(context.Context, *Bundle) (Outcome, error) {
	return OutcomeUnknown, nil
}

// Sent returns the bundles recorded so far.
func (c *DryRunChannel) Sent() []*Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Bundle(nil), c.sent...)
}
