package log

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

//go:generate errtrace -w .

// Log output formats.
const (
	FormatConsole = "console"
	FormatDev     = "dev"
	FormatJSON    = "json"
	FormatText    = "text"
)

// ErrUnknownFormat is returned by [New] for an unsupported format.
var ErrUnknownFormat = errors.New("unknown log format")

// Options configures a logger built by [New].
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Default is "info".
	Level string
	// Format is one of [FormatConsole], [FormatDev], [FormatJSON], [FormatText].
	// Default is [FormatConsole].
	Format string
	// File is the output file path. Empty means stdout.
	File string
	// MaxSizeMB, MaxBackups and MaxAgeDays control file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// AddSource adds the source position to records.
	AddSource bool
}

// ParseLevel parses a level name.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return lvl, errtrace.Wrap(err)
	}
	return lvl, nil
}

// New builds a logger. The returned closer releases the output file and must be
// called on shutdown.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  true,
		}
		out, closer = lj, lj
	}

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		h = console.NewHandler(out, &console.HandlerOptions{
			AddSource:  opts.AddSource,
			Level:      lvl,
			TimeFormat: time.RFC3339Nano,
			NoColor:    opts.File != "",
		})
	case FormatDev:
		h = devslog.NewHandler(out, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{AddSource: opts.AddSource, Level: lvl},
			SortKeys:       true,
			TimeFormat:     time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{AddSource: opts.AddSource, Level: lvl})
	case FormatText:
		h = slog.NewTextHandler(out, &slog.HandlerOptions{AddSource: opts.AddSource, Level: lvl})
	default:
		return nil, nil, errtrace.Wrap(fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format))
	}
	return slog.New(newHandler(h)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
