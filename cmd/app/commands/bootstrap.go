package commands

import (
	"context"
	"fmt"
)

// RunBootstrap seeds the store with the feed's current sales as already-seen
// history, without running the poll loop. Safe to run repeatedly: once the
// store is marked initialized this is a no-op.
func RunBootstrap(ctx context.Context) error {
	container, logger, err := loadContainer()
	if err != nil {
		return err
	}
	defer closeContainer(container, logger)

	poller, err := container.Poller()
	if err != nil {
		return fmt.Errorf("failed to initialize poller: %w", err)
	}

	if err := poller.BootstrapIfNeeded(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	logger.Info("bootstrap completed")
	return nil
}
