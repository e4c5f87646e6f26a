package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful shutdown of the servers once the poller
// has stopped.
const shutdownTimeout = 30 * time.Second

// RunWorker runs the full pipeline: the sale poller, the status API server
// and, when enabled, the metrics server. Blocks until SIGINT/SIGTERM or a
// fatal component error, then shuts everything down gracefully.
func RunWorker(ctx context.Context, version string) error {
	container, logger, err := loadContainer()
	if err != nil {
		return err
	}
	defer closeContainer(container, logger)

	logger.Info("starting worker", slog.String("version", version))

	poller, err := container.Poller()
	if err != nil {
		return fmt.Errorf("failed to initialize poller: %w", err)
	}

	statusServer, err := container.StatusServer()
	if err != nil {
		return fmt.Errorf("failed to initialize status server: %w", err)
	}

	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := poller.Start(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		if err := statusServer.Start(groupCtx); err != nil {
			return fmt.Errorf("status server error: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		group.Go(func() error {
			if err := metricsServer.Start(groupCtx); err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	// Unblock the server goroutines once the group context ends; the
	// container's deferred Shutdown closes them again, harmlessly.
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErrors []error
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("status server shutdown: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
			}
		}
		return errors.Join(shutdownErrors...)
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker stopped with error", slog.Any("error", err))
		return err
	}

	logger.Info("worker stopped")
	return nil
}
