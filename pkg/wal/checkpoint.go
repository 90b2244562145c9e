package wal

import (
	"time"
)

// DefaultCheckpointInterval is how often background checkpoints run.
const DefaultCheckpointInterval = 10 * time.Minute

// Checkpointer drives periodic checkpointing: it flushes dirty state
// via flushFn (expected to return the highest LSN now guaranteed
// durable on the device), then anchors the WAL at that LSN.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flushFn  func() (uint64, error)
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer. flushFn should flush every
// dirty page whose modifications are captured by entries at or before
// the LSN it returns.
func NewCheckpointer(wal *WAL, flushFn func() (uint64, error)) *Checkpointer {
	return &Checkpointer{
		wal:      wal,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background checkpointing loop.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop halts the background loop and waits for it to exit.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Checkpoint()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes durable state and writes a CHECKPOINT entry
// anchoring replay at the returned LSN.
func (c *Checkpointer) Checkpoint() error {
	durableLSN, err := c.flushFn()
	if err != nil {
		return err
	}
	return c.wal.Checkpoint(durableLSN)
}

// SetInterval changes the checkpoint interval. The ticker is created
// when the loop starts, so a running loop keeps its old interval.
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}
