package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/internal/scheduler"
)

// churnFlags are shared by run and generate.
type churnFlags struct {
	nodes    int
	faulty   int
	failures int
	leaves   int
	spacing  int64
	settle   int64
}

func (c *churnFlags) register(f *pflag.FlagSet) {
	d := scheduler.DefaultChurnOptions(0)
	f.IntVar(&c.nodes, "nodes", 0, "number of generated JOINs")
	f.IntVar(&c.faulty, "faulty", 0, "generated joiners that run the faulty handler")
	f.IntVar(&c.failures, "fail", 0, "generated FAIL events")
	f.IntVar(&c.leaves, "leave", 0, "generated LEAVE events")
	f.Int64Var(&c.spacing, "spacing", d.JoinSpacing, "steps between generated events")
	f.Int64Var(&c.settle, "settle", d.Settle, "quiet steps between the last JOIN and the first departure")
}

func (c *churnFlags) options() scheduler.ChurnOptions {
	opts := scheduler.DefaultChurnOptions(c.nodes)
	opts.Faulty = c.faulty
	opts.Failures = c.failures
	opts.Leaves = c.leaves
	opts.JoinSpacing = c.spacing
	opts.Settle = c.settle
	return opts
}

var generateFlags struct {
	out   string
	seed  int64
	churn churnFlags
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a random churn timeline as an event file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = generateFlags.seed
		}

		space, err := ring.NewSpace(cfg.Bits)
		if err != nil {
			return err
		}
		events, err := scheduler.GenerateChurn(space, rand.New(rand.NewSource(cfg.Seed)), generateFlags.churn.options())
		if err != nil {
			return err
		}

		out := os.Stdout
		if generateFlags.out != "" && generateFlags.out != "-" {
			f, err := os.Create(generateFlags.out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", generateFlags.out, err)
			}
			defer f.Close()
			out = f
		}
		return scheduler.WriteEvents(out, events)
	},
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&generateFlags.out, "out", "o", "", "output file (default stdout)")
	f.Int64Var(&generateFlags.seed, "seed", 0, "random seed (overrides seed)")
	generateFlags.churn.register(f)
	_ = generateCmd.MarkFlagRequired("nodes")
}
