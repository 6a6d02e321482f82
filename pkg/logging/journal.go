package logging

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/journal"
)

var journalPriority = map[Level]journal.Priority{
	LevelDebug:  journal.PriDebug,
	LevelInfo:   journal.PriInfo,
	LevelNotice: journal.PriNotice,
	LevelWarn:   journal.PriWarning,
	LevelError:  journal.PriErr,
}

// journalAvailable is a variable so tests can force console output.
var journalAvailable = journal.Enabled

type journalBackend struct{}

func (journalBackend) write(level Level, unit, msg string) {
	vars := map[string]string{"SYSLOG_IDENTIFIER": "slunit"}
	if unit != "" {
		vars["UNIT"] = unit
		msg = unit + ": " + msg
	}
	if err := journal.Send(msg, journalPriority[level], vars); err != nil {
		fmt.Fprintf(os.Stderr, "<%d>%s\n", journalPriority[level], msg)
	}
}
