package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/swgillespie/apollo/tourney/pkg/arena"
	"github.com/swgillespie/apollo/tourney/pkg/match"
	"github.com/swgillespie/apollo/tourney/pkg/store"
	"github.com/swgillespie/apollo/tourney/pkg/weights"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// splitCommand splits a shell-quoted command line into argv.
func splitCommand(what, line string) ([]string, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, usageError{errors.Wrapf(err, "invalid %s command", what)}
	}
	if len(argv) == 0 {
		return nil, usagef("%s command is empty", what)
	}
	return argv, nil
}

// matchOptions are the flags shared by every command that plays games.
type matchOptions struct {
	referee     string
	refereeArgs string
	log         bool
	logDir      string
	readTimeout time.Duration
	parallel    int
	noSwapSides bool
}

func (m *matchOptions) register(flags *pflag.FlagSet, defaultParallel int) {
	flags.StringVar(&m.referee, "referee", "./build/referee", "referee executable")
	flags.StringVar(&m.refereeArgs, "referee-args", "", "extra referee arguments, inserted before the seed")
	flags.BoolVar(&m.log, "log", false, "write a per-game trace file")
	flags.StringVar(&m.logDir, "log-dir", "/logs", "directory for per-game trace files")
	flags.DurationVar(&m.readTimeout, "read-timeout", 0, "abort a game when a process stays silent this long (0 waits forever)")
	flags.IntVar(&m.parallel, "parallel", defaultParallel, "games played at once (0 means one per CPU)")
	flags.BoolVar(&m.noSwapSides, "no-swap-sides", false, "always give the first engine player 1")
}

func (m *matchOptions) config(verbose bool) (match.Config, error) {
	cfg := match.Config{
		Referee:     m.referee,
		Log:         m.log,
		LogDir:      m.logDir,
		Verbose:     verbose,
		ReadTimeout: m.readTimeout,
	}
	if m.refereeArgs != "" {
		args, err := shlex.Split(m.refereeArgs)
		if err != nil {
			return match.Config{}, usageError{errors.Wrap(err, "invalid --referee-args")}
		}
		cfg.RefereeArgs = args
	}
	if m.readTimeout < 0 {
		return match.Config{}, usagef("--read-timeout must be >= 0")
	}
	return cfg, nil
}

// workers resolves the worker count for a batch of the given size.
func (m *matchOptions) workers(games int) int {
	n := m.parallel
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > games {
		n = games
	}
	if n < 1 {
		n = 1
	}
	return n
}

// storeOptions select where game results are recorded.
type storeOptions struct {
	kind string
	path string
}

func (s *storeOptions) register(flags *pflag.FlagSet) {
	flags.StringVar(&s.kind, "store", "", "result store backend: memory or sqlite (default sqlite when --results-db is set)")
	flags.StringVar(&s.path, "results-db", "", "SQLite database recording every game result")
}

func (s *storeOptions) open(ctx context.Context) (store.Store, error) {
	kind := s.kind
	if kind == "" && s.path != "" {
		kind = "sqlite"
	}
	st, err := store.NewStore(kind, s.path)
	if err != nil {
		return nil, usageError{err}
	}
	if err := st.Init(ctx); err != nil {
		return nil, errors.Wrap(err, "while opening result store")
	}
	return st, nil
}

// recorder saves every finished game under runID. Failures are logged, never
// fatal: losing a record must not lose the batch.
func recorder(ctx context.Context, st store.Store, runID string) func(match.GameResult) {
	return func(r match.GameResult) {
		if err := st.SaveResult(ctx, runID, r); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"run":  runID,
				"game": r.GameID,
			}).Warn("failed to record game result")
		}
	}
}

func closeStore(st store.Store) {
	if err := store.CloseIfSupported(st); err != nil {
		log.WithError(err).Warn("failed to close result store")
	}
}

// schemaOptions pick the weight schema an optimizer tunes.
type schemaOptions struct {
	preset string
	path   string
}

func (s *schemaOptions) register(flags *pflag.FlagSet, defaultPreset string) {
	flags.StringVar(&s.preset, "schema-preset", defaultPreset, fmt.Sprintf("built-in weight schema %v", weights.PresetNames()))
	flags.StringVar(&s.path, "schema", "", "JSON weight schema file, overrides --schema-preset")
}

func (s *schemaOptions) load() (weights.Schema, error) {
	if s.path != "" {
		return weights.LoadSchema(s.path)
	}
	schema, err := weights.Preset(s.preset)
	if err != nil {
		return weights.Schema{}, usageError{err}
	}
	return schema, nil
}

// vectorFlag parses a comma separated weight list, falling back to the
// schema defaults when it is empty.
func vectorFlag(schema weights.Schema, name, text string) (weights.Vector, error) {
	if text == "" {
		return schema.Defaults(), nil
	}
	v, err := schema.ParseVector(text)
	if err != nil {
		return nil, usageError{errors.Wrapf(err, "invalid --%s", name)}
	}
	return v, nil
}

// interruptContext is canceled on the first interrupt so running games are
// torn down and partial results still get reported.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// progressPrinter reports batch progress on w.
func progressPrinter(w io.Writer) func(done, total int) {
	return func(done, total int) {
		fmt.Fprintf(w, "Progress: %d/%d\n", done, total)
	}
}

func printWeights(w io.Writer, schema weights.Schema, v weights.Vector) {
	for i, name := range schema.Names() {
		fmt.Fprintf(w, "  %-24s %s\n", name, weights.FormatWeight(v[i]))
	}
}

func newExecutor(cfg match.Config, workers int) *arena.Executor {
	log.WithFields(log.Fields{
		"referee": cfg.Referee,
		"workers": workers,
	}).Debug("starting executor")
	return arena.NewExecutor(cfg, workers)
}
