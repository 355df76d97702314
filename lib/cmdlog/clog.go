package cmdlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gotmc/ivsweep"
	"github.com/rs/zerolog"
)

func isAscii(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Link wraps an ivsweep.Link and logs every command, query and reply at
// debug level.
type Link struct {
	ivsweep.Link
	log zerolog.Logger
}

// Wrap returns l with tracing to log.
func Wrap(l ivsweep.Link, log zerolog.Logger) *Link {
	return &Link{Link: l, log: log}
}

func (l *Link) Command(format string, a ...any) error {
	c := format
	if a != nil {
		c = fmt.Sprintf(format, a...)
	}
	start := time.Now()
	err := l.Link.Command(c)
	if err != nil {
		l.log.Debug().Dur("took", time.Since(start)).Msgf("%s: %s", CmdStyle.Render(c), ErrStyle.Render(err.Error()))
		return err
	}
	l.log.Debug().Dur("took", time.Since(start)).Msgf("%s()", CmdStyle.Render(c))
	return nil
}

func (l *Link) Query(q string) (string, error) {
	start := time.Now()
	a, err := l.Link.Query(q)
	ev := l.log.Debug().Dur("took", time.Since(start))
	qs := CmdStyle.Render(q)
	switch {
	case err != nil:
		ev.Msgf("%s: %s", qs, ErrStyle.Render(err.Error()))
	case len(a) == 0:
		ev.Msgf("%s: %s", qs, R1Style.Render("<no response>"))
	case isAscii(a):
		ev.Msgf("%s: [%d] %s", qs, len(a), R2Style.Render(a))
	case len(a) < 32:
		ev.Msgf("%s: [%d] %q (% 2x)", qs, len(a), a, []byte(a))
	default:
		ev.Msgf("%s: [%d] % 2x", qs, len(a), []byte(a))
	}
	return a, err
}
