// Package match drives a single game between two engine processes through a
// referee process.
//
// The referee speaks first every round: it emits one state line per player.
// Each state is forwarded verbatim to the player it is addressed to, then the
// player to move answers with exactly one move line, which goes back to the
// referee verbatim. This repeats until the referee emits a terminal line.
package match

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/swgillespie/apollo/tourney/pkg/proc"
	"github.com/swgillespie/apollo/tourney/pkg/referee"
)

// Config holds the settings shared by every match of a batch.
type Config struct {
	// Referee is the referee executable. It is invoked as
	// "Referee RefereeArgs... <seed>".
	Referee     string
	RefereeArgs []string

	// Log enables the per-match trace file, written into LogDir.
	Log    bool
	LogDir string

	// Verbose logs every move at info level.
	Verbose bool

	// ReadTimeout bounds every single line read. Zero waits forever.
	ReadTimeout time.Duration

	// Launcher starts processes. Nil means proc.NewProgramTransport.
	Launcher proc.Launcher
}

// Game identifies one match: who plays which side and with which seed.
type Game struct {
	ID   int
	Seed int64
	P1   []string
	P2   []string
}

// RefereeCommand is the command line the referee is launched with for seed.
func (c Config) RefereeCommand(seed int64) []string {
	argv := make([]string, 0, len(c.RefereeArgs)+2)
	argv = append(argv, c.Referee)
	argv = append(argv, c.RefereeArgs...)
	return append(argv, strconv.FormatInt(seed, 10))
}

type driver struct {
	cfg   Config
	game  Game
	trace trace

	referee proc.Transport
	engines [2]proc.Transport
	turns   int
}

// Play runs one game to completion and always returns a result; problems with
// the processes are reported through the result's Winner, Reason and Error.
// All processes started for the game are terminated before Play returns.
func Play(ctx context.Context, cfg Config, game Game) (result GameResult) {
	d := &driver{
		cfg:   cfg,
		game:  game,
		trace: trace{enabled: cfg.Log},
	}
	d.trace.add("[GAME] id=%d seed=%d", game.ID, game.Seed)
	d.trace.add("[SETUP] P1=%s", CommandKey(game.P1))
	d.trace.add("[SETUP] P2=%s", CommandKey(game.P2))

	defer func() {
		if path, err := d.trace.write(cfg.LogDir, game.ID, game.Seed); err != nil {
			log.WithError(err).WithField("game", game.ID).Error("failed to write game log")
		} else if path != "" {
			log.WithFields(log.Fields{"game": game.ID, "path": path}).Debug("wrote game log")
		}
	}()
	defer d.shutdown()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("game", game.ID).Errorf("panic while playing game: %v", r)
			result = d.result(Failure, "Exception", fmt.Sprint(r))
		}
	}()

	if err := d.launch(); err != nil {
		log.WithError(err).WithField("game", game.ID).Error("failed to launch game processes")
		return d.result(Failure, "Failed to launch", err.Error())
	}
	return d.run(ctx)
}

func (d *driver) launch() error {
	launcher := d.cfg.Launcher
	if launcher == nil {
		launcher = proc.NewProgramTransport
	}

	var err error
	if d.referee, err = launcher(d.cfg.RefereeCommand(d.game.Seed), "referee"); err != nil {
		return errors.Wrap(err, "referee")
	}
	if d.engines[0], err = launcher(d.game.P1, "p1"); err != nil {
		return errors.Wrap(err, "player 1")
	}
	if d.engines[1], err = launcher(d.game.P2, "p2"); err != nil {
		return errors.Wrap(err, "player 2")
	}
	return nil
}

// shutdown terminates every process that was started. Each transport is
// closed exactly once.
func (d *driver) shutdown() {
	for _, t := range []proc.Transport{d.referee, d.engines[0], d.engines[1]} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.WithError(err).WithField("game", d.game.ID).Debug("error while closing process")
		}
	}
}

func (d *driver) run(ctx context.Context) GameResult {
	for {
		// Every round the referee sends two lines, normally one state per
		// viewer. Lines that don't decode are referee chatter and still use
		// up one of the two slots.
		var states []referee.State
		for i := 0; i < 2; i++ {
			raw, err := d.referee.Recv(ctx, d.cfg.ReadTimeout)
			if err != nil {
				return d.readFailure(err, RefereeDisconnected, "Referee disconnected", "referee")
			}

			line := referee.Decode(raw)
			switch line.Kind {
			case referee.WinnerLine:
				d.trace.add("[REF] %s", line.Raw)
				reason, err := d.referee.Recv(ctx, d.cfg.ReadTimeout)
				if err != nil {
					reason = ""
				}
				if reason != "" {
					d.trace.add("[REF] %s", reason)
				}
				return d.result(line.Winner, reason, "")
			case referee.ResultLine:
				d.trace.add("[REF] %s", line.Raw)
				return d.result(line.Winner, line.Raw, "")
			case referee.StateLine:
				d.trace.add("[REF P%d] %s", line.State.Viewer, line.Raw)
				states = append(states, line.State)
			default:
				d.trace.add("[REF] %s", line.Raw)
				log.WithField("game", d.game.ID).Debug("referee: " + line.Raw)
			}
		}

		if len(states) == 0 {
			return d.result(NoPlayableState, "No playable state received", "")
		}

		for _, state := range states {
			if err := d.engines[state.Viewer-1].Send(state.Raw); err != nil {
				return d.result(Failure, "Exception", errors.Wrapf(err, "while writing state to P%d", state.Viewer).Error())
			}
		}

		active := states[0].Active
		if len(states) == 2 && states[1].Active != active {
			log.WithFields(log.Fields{
				"game":  d.game.ID,
				"first": active,
				"other": states[1].Active,
			}).Warn("states disagree on the active player, using the first")
		}

		move, err := d.engines[active-1].Recv(ctx, d.cfg.ReadTimeout)
		if err != nil {
			return d.readFailure(err, EngineDisconnected, fmt.Sprintf("Engine P%d disconnected", active), fmt.Sprintf("P%d", active))
		}
		d.trace.add("[MOVE P%d] %s", active, move)

		if d.cfg.Verbose {
			log.WithFields(log.Fields{
				"game":   d.game.ID,
				"turn":   d.turns + 1,
				"player": active,
			}).Info("move: " + move)
		}

		if err := d.referee.Send(move); err != nil {
			return d.result(Failure, "Exception", errors.Wrap(err, "while writing move to referee").Error())
		}
		d.turns++
	}
}

// readFailure maps a failed read to a result. A closed stream is a
// disconnect; everything else is reported with its cause.
func (d *driver) readFailure(err error, disconnect int, reason, source string) GameResult {
	switch {
	case err == io.EOF:
		return d.result(disconnect, reason, "")
	case err == proc.ErrTimeout:
		return d.result(TimedOut, "Timed out waiting for "+source, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return d.result(Canceled, "Canceled", err.Error())
	default:
		return d.result(Failure, "Exception", errors.Wrapf(err, "while reading from %s", source).Error())
	}
}

func (d *driver) result(winner int, reason, errText string) GameResult {
	return GameResult{
		GameID: d.game.ID,
		Seed:   d.game.Seed,
		P1Cmd:  d.game.P1,
		P2Cmd:  d.game.P2,
		Winner: winner,
		Reason: reason,
		Turns:  d.turns,
		Error:  errText,
	}
}
