package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zde37/chordsim/internal/api"
	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/internal/scheduler"
	"github.com/zde37/chordsim/internal/sim"
	"github.com/zde37/chordsim/pkg"
)

var runFlags struct {
	events   string
	steps    int64
	replicas int
	seed     int64
	httpAddr string
	churn    churnFlags
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation until the ring stabilizes",
	Long: `Run schedules the event timeline (from --events, the config file, or a
generated churn when --nodes is set), runs until the ring has been stable
for the configured window, and prints a JSON report on stdout. With
--replicas above one, independent replicas run in parallel with
consecutive seeds.`,
	RunE: runSimulation,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.events, "events", "", "event file (overrides event_file)")
	f.Int64Var(&runFlags.steps, "steps", 0, "step budget (overrides steps)")
	f.IntVar(&runFlags.replicas, "replicas", 0, "parallel replicas (overrides replicas)")
	f.Int64Var(&runFlags.seed, "seed", 0, "random seed (overrides seed)")
	f.StringVar(&runFlags.httpAddr, "http", "", "serve live ring updates on this address, e.g. :8080")
	runFlags.churn.register(f)
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("events") {
		cfg.EventFile = runFlags.events
	}
	if flags.Changed("steps") {
		cfg.Steps = runFlags.steps
	}
	if flags.Changed("replicas") {
		cfg.Replicas = runFlags.replicas
	}
	if flags.Changed("seed") {
		cfg.Seed = runFlags.seed
	}
	if flags.Changed("http") {
		cfg.HTTPAddr = runFlags.httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.EventFile == "" && runFlags.churn.nodes == 0 {
		return fmt.Errorf("nothing to simulate: give --events or --nodes")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("bits", cfg.Bits).
		Int64("seed", cfg.Seed).
		Int64("steps", cfg.Steps).
		Int("replicas", cfg.Replicas).
		Msg("Starting simulation")

	if cfg.Replicas > 1 {
		return runReplicas(ctx, cfg, logger)
	}
	return runSingle(ctx, cfg, logger)
}

// setupChurn schedules generated churn when --nodes was given; an event
// file is loaded by the simulator itself.
func setupChurn(_ int, s *sim.Simulator) error {
	if runFlags.churn.nodes == 0 {
		return nil
	}
	c := s.Context()
	events, err := scheduler.GenerateChurn(c.Space, rand.New(rand.NewSource(c.Config.Seed)), runFlags.churn.options())
	if err != nil {
		return err
	}
	return s.AddEvents(events...)
}

func runSingle(ctx context.Context, cfg *config.Config, logger *pkg.Logger) error {
	var opts []sim.Option
	var server *api.Server
	if cfg.HTTPAddr != "" {
		var err error
		server, err = api.NewServer(logger)
		if err != nil {
			return err
		}
		if err := server.Start(cfg.HTTPAddr); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping HTTP server")
			}
		}()
		opts = append(opts, sim.WithBroadcaster(server))
	}

	s, err := sim.New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	if err := setupChurn(0, s); err != nil {
		return err
	}

	steps, err := s.StabilizeContext(ctx, cfg.Steps)
	result := s.Result(steps, err)
	if err != nil {
		logger.Warn().Err(err).Msg("Simulation stopped before the ring stabilized")
	}
	if err := printJSON(result); err != nil {
		return err
	}

	if server != nil && ctx.Err() == nil {
		logger.Info().Str("addr", server.Addr()).Msg("Simulation finished, serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

func runReplicas(ctx context.Context, cfg *config.Config, logger *pkg.Logger) error {
	cfgs := make([]*config.Config, cfg.Replicas)
	for i := range cfgs {
		c := cfg.Clone()
		c.Seed = cfg.Seed + int64(i)
		c.HTTPAddr = ""
		cfgs[i] = c
	}

	results, err := sim.RunBatch(ctx, logger, cfgs, setupChurn)
	if err != nil {
		return err
	}

	converged := 0
	for _, r := range results {
		if r.Converged {
			converged++
		}
	}
	logger.Info().
		Int("replicas", len(results)).
		Int("converged", converged).
		Msg("Batch finished")
	return printJSON(results)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
