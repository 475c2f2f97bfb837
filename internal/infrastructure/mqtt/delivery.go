package mqtt

import (
	"context"
	"time"
)

// startRedelivery resends pending deliveries in the background after a connect.
func (c *Client) startRedelivery() {
	if c.tracker == nil {
		return
	}
	c.goBackground(c.redeliver)
}

// startRetryLoop starts the periodic resend of pending deliveries.
// It runs once per client, from the first successful connect until Close.
func (c *Client) startRetryLoop() {
	if c.tracker == nil || c.retryInterval <= 0 {
		return
	}

	c.lifeMu.Lock()
	if c.retrying || c.closed {
		c.lifeMu.Unlock()
		return
	}
	c.retrying = true
	c.lifeMu.Unlock()

	c.goBackground(c.retryLoop)
}

func (c *Client) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsConnected() {
				c.redeliver(ctx)
			}
			c.prune(ctx)
		}
	}
}

// redeliver claims every pending record and resends it. Records claimed
// while the connection is down are requeued unsent for the next pass.
func (c *Client) redeliver(ctx context.Context) {
	due, err := c.tracker.Due(ctx)
	if err != nil {
		c.getLogger().Warn("listing pending deliveries failed", "error", err)
	}
	if len(due) == 0 {
		return
	}

	c.getLogger().Info("redelivering pending messages", "count", len(due))

	for i, rec := range due {
		if ctx.Err() != nil || !c.IsConnected() {
			for _, rest := range due[i:] {
				if err := c.tracker.Requeue(context.Background(), rest.ID); err != nil {
					c.getLogger().Warn("requeueing delivery failed", "id", rest.ID, "error", err)
				}
			}
			return
		}
		c.stats.redelivered.Add(1)
		if err := c.sendTracked(ctx, rec); err != nil {
			c.getLogger().Warn("redelivery failed", "id", rec.ID, "topic", rec.Topic, "attempts", rec.Attempts, "error", err)
		}
	}
}

// prune drops acknowledged records past the retention period.
func (c *Client) prune(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	n, err := c.tracker.Prune(ctx, c.retention)
	if err != nil {
		c.getLogger().Warn("pruning deliveries failed", "error", err)
		return
	}
	if n > 0 {
		c.getLogger().Debug("pruned acknowledged deliveries", "count", n)
	}
}
