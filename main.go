package main // import "github.com/swgillespie/apollo/tourney"

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// errAbnormalGames makes the process exit with status 1 after a batch in
// which at least one game did not finish normally. The summary has already
// been printed by then.
var errAbnormalGames = errors.New("some games ended abnormally")

// usageError marks errors caused by bad arguments; they exit with status 2.
type usageError struct{ error }

func usagef(format string, args ...interface{}) error {
	return usageError{errors.Errorf(format, args...)}
}

type globalOptions struct {
	verbose bool
	quiet   bool
}

func (g *globalOptions) configureLogging() error {
	level := log.InfoLevel
	if env := os.Getenv("TOURNEY_LOG_LEVEL"); env != "" {
		parsed, err := log.ParseLevel(env)
		if err != nil {
			return usageError{errors.Wrap(err, "TOURNEY_LOG_LEVEL")}
		}
		level = parsed
	}
	if g.verbose {
		level = log.DebugLevel
	}
	if g.quiet {
		level = log.WarnLevel
	}
	log.SetLevel(level)
	return nil
}

func rootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "tourney",
		Short:         "Run referee-mediated matches between game engines and tune their weights",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.configureLogging()
		},
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log per-turn moves and protocol traffic")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and errors")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		runCommand(opts),
		gaCommand(opts),
		spsaCommand(opts),
		reportCommand(),
	)
	return root
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errAbnormalGames) {
		return 1
	}
	var usage usageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}

func main() {
	err := rootCommand().Execute()
	if err != nil && !errors.Is(err, errAbnormalGames) {
		log.WithError(err).Error("tourney failed")
	}
	os.Exit(exitCode(err))
}
