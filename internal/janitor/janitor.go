// Package janitor removes uploaded files that no catalog row refers to, such
// as files left behind when an upload failed after storing its bytes.
package janitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/folio/internal/blob"
)

type Config struct {
	Interval time.Duration
	// files younger than Grace are kept; their catalog row may still be on
	// its way
	Grace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Minute,
		Grace:    time.Hour,
	}
}

// Catalog reports which storage keys are in use.
type Catalog interface {
	StorageKeys() (map[string]bool, error)
}

type Service struct {
	catalog Catalog
	files   blob.Store
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(catalog Catalog, files blob.Store, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		catalog: catalog,
		files:   files,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Start sweeps once and then every Interval. A zero Interval disables the
// service.
func (s *Service) Start() {
	if s.config.Interval <= 0 {
		s.logger.Info("janitor disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("janitor started", "interval", s.config.Interval, "grace", s.config.Grace)
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Service) sweepAndLog(ctx context.Context) {
	removed, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("janitor sweep failed", "err", err)
		return
	}
	if removed > 0 {
		s.logger.Info("removed orphaned uploads", "count", removed)
	}
}

// Sweep deletes every upload older than Grace that the catalog does not
// know, and returns how many it removed. Files whose names do not look like
// upload keys are left alone.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	objects, err := s.files.List(ctx)
	if err != nil {
		return 0, err
	}
	// listed before the catalog is read, so an upload racing the sweep is
	// either in the catalog or too young to touch
	known, err := s.catalog.StorageKeys()
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.config.Grace)
	removed := 0
	for _, obj := range objects {
		// the bucket or directory may hold files we never wrote
		if !blob.IsKey(obj.Key) {
			continue
		}
		if known[obj.Key] || obj.ModTime.After(cutoff) {
			continue
		}
		if err := s.files.Delete(ctx, obj.Key); err != nil {
			s.logger.Warn("could not remove orphaned upload", "key", obj.Key, "err", err)
			continue
		}
		s.logger.Debug("removed orphaned upload", "key", obj.Key, "size", obj.Size)
		removed++
	}
	return removed, nil
}
