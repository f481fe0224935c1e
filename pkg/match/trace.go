package match

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// trace buffers the raw protocol exchange of one match. Nothing touches the
// filesystem until the match is over, so concurrent matches never interleave.
type trace struct {
	enabled bool
	lines   []string
}

func (t *trace) add(format string, args ...interface{}) {
	if !t.enabled {
		return
	}
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

// LogPath is where the trace of a game is written inside dir.
func LogPath(dir string, gameID int, seed int64) string {
	return filepath.Join(dir, fmt.Sprintf("game_%04d_seed_%d.log", gameID, seed))
}

// write flushes the trace to its file. If dir cannot be created the trace
// goes to ./logs instead.
func (t *trace) write(dir string, gameID int, seed int64) (string, error) {
	if !t.enabled {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			return "", errors.Wrap(err, "while creating log directory")
		}
		fallback := filepath.Join(cwd, "logs")
		log.WithError(err).WithFields(log.Fields{
			"dir":      dir,
			"fallback": fallback,
		}).Warn("cannot create log directory, falling back")
		if err := os.MkdirAll(fallback, 0755); err != nil {
			return "", errors.Wrap(err, "while creating fallback log directory")
		}
		dir = fallback
	}

	path := LogPath(dir, gameID, seed)
	body := strings.Join(t.lines, "\n") + "\n"
	if err := ioutil.WriteFile(path, []byte(body), 0644); err != nil {
		return "", errors.Wrapf(err, "while writing %s", path)
	}
	return path, nil
}
