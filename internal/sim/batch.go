package sim

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/pkg"
)

// BatchResult summarizes one replica of a batch.
type BatchResult struct {
	Replica   int         `json:"replica"`
	Seed      int64       `json:"seed"`
	Steps     int64       `json:"steps"`
	Converged bool        `json:"converged"`
	Digest    uint64      `json:"digest"`
	Report    Report      `json:"report"`
	Stats     chord.Stats `json:"stats"`
}

// SetupFunc prepares a replica before it runs, typically by scheduling
// events.
type SetupFunc func(replica int, s *Simulator) error

// RunBatch runs one independent simulation per config in parallel. Each
// replica stabilizes within its config's Steps budget; failing to converge
// is recorded in the result, not returned as an error. The first setup or
// construction error cancels the remaining replicas.
func RunBatch(ctx context.Context, logger *pkg.Logger, cfgs []*config.Config, setup SetupFunc) ([]BatchResult, error) {
	if logger == nil {
		logger = pkg.NewNop()
	}
	results := make([]BatchResult, len(cfgs))

	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			s, err := New(cfg, logger.WithFields(pkg.Fields{"replica": i}))
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			if setup != nil {
				if err := setup(i, s); err != nil {
					return fmt.Errorf("replica %d setup: %w", i, err)
				}
			}

			steps, err := s.StabilizeContext(gctx, cfg.Steps)
			if err != nil && !errors.Is(err, pkg.ErrNotConverged) {
				return fmt.Errorf("replica %d: %w", i, err)
			}

			results[i] = s.Result(steps, err)
			results[i].Replica = i
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
