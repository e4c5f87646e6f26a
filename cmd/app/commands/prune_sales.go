package commands

import (
	"context"
	"fmt"
)

// RunPruneSales deletes terminal sales older than the configured retention,
// ignoring the minimum prune interval. Intended for cron or manual cleanup.
func RunPruneSales(ctx context.Context) error {
	container, logger, err := loadContainer()
	if err != nil {
		return err
	}
	defer closeContainer(container, logger)

	poller, err := container.Poller()
	if err != nil {
		return fmt.Errorf("failed to initialize poller: %w", err)
	}

	if err := poller.PruneOnce(ctx); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}

	logger.Info("prune completed")
	return nil
}
