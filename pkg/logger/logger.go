package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarn     LogLevel = "warn"
	LogLevelError    LogLevel = "error"
	LogLevelDisabled LogLevel = "disabled"
)

type LogMode string

const (
	LogModeDebug  LogMode = "debug"
	LogModePretty LogMode = "pretty"
	LogModeInfo   LogMode = "info"
	LogModeProd   LogMode = "prod"
	LogModeTest   LogMode = "test"
)

type Config struct {
	Level         LogLevel
	Pretty        bool
	TimeFormat    string
	CallerEnabled bool
	NoColor       bool
	// Output defaults to stdout.
	Output io.Writer
}

var levels = map[LogLevel]zerolog.Level{
	LogLevelDebug: zerolog.DebugLevel,
	LogLevelInfo:  zerolog.InfoLevel,
	LogLevelWarn:  zerolog.WarnLevel,
	LogLevelError: zerolog.ErrorLevel,
}

var modes = map[LogMode]Config{
	LogModeDebug:  {Level: LogLevelDebug, Pretty: true, TimeFormat: time.RFC3339, CallerEnabled: true},
	LogModePretty: {Level: LogLevelInfo, Pretty: true, TimeFormat: time.RFC3339, CallerEnabled: true},
	LogModeInfo:   {Level: LogLevelInfo, TimeFormat: time.RFC3339, CallerEnabled: true},
	LogModeProd:   {Level: LogLevelInfo, TimeFormat: time.RFC3339Nano, NoColor: true},
	// Tests only surface errors so training output stays quiet.
	LogModeTest: {Level: LogLevelError, TimeFormat: time.RFC3339, NoColor: true},
}

func DefaultConfig() Config {
	return modes[LogModeInfo]
}

func ConfigForMode(mode LogMode) Config {
	if cfg, ok := modes[mode]; ok {
		return cfg
	}
	return DefaultConfig()
}

func InitWithMode(mode LogMode) {
	Init(ConfigForMode(mode))
}

func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if cfg.Level == LogLevelDisabled {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		log = zerolog.New(io.Discard)
		zerolog.DefaultContextLogger = &log
		return
	}

	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.Pretty {
		output = consoleWriter(output, cfg)
	}

	level, ok := levels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = cfg.TimeFormat

	logCtx := zerolog.New(output).With().Timestamp()
	if cfg.CallerEnabled {
		logCtx = logCtx.Caller()
	}
	log = logCtx.Logger()
	zerolog.DefaultContextLogger = &log
}

// consoleWriter renders training events for a terminal. The component and
// run id are dropped; round markers in messages become glyphs.
func consoleWriter(out io.Writer, cfg Config) zerolog.ConsoleWriter {
	paint := func(s, color string) string {
		if cfg.NoColor || s == "" {
			return s
		}
		return color + s + reset
	}

	return zerolog.ConsoleWriter{
		Out:           out,
		TimeFormat:    cfg.TimeFormat,
		NoColor:       cfg.NoColor,
		FieldsExclude: []string{"component", "run_id"},
		FormatLevel: func(i interface{}) string {
			level, _ := i.(string)
			short, color := levelStyle(level)
			return paint(short, color)
		},
		FormatFieldName: func(i interface{}) string {
			return paint(fmt.Sprintf("%s=", i), dim+cyan)
		},
		FormatFieldValue: func(i interface{}) string {
			switch v := i.(type) {
			case nil:
				return ""
			case json.Number:
				return paint(v.String(), magenta)
			default:
				return paint(fmt.Sprint(v), blue)
			}
		},
		FormatErrFieldValue: func(i interface{}) string {
			return paint(fmt.Sprint(i), red)
		},
		FormatMessage: func(i interface{}) string {
			msg := fmt.Sprint(i)
			msg = strings.Replace(msg, "Round started", "▶", 1)
			msg = strings.Replace(msg, "Round completed", "■", 1)
			return paint(msg, bold)
		},
		FormatTimestamp: func(i interface{}) string {
			return paint(fmt.Sprint(i), dim+gray)
		},
	}
}

const (
	gray    = "\x1b[37m"
	blue    = "\x1b[34m"
	cyan    = "\x1b[36m"
	red     = "\x1b[31m"
	green   = "\x1b[32m"
	yellow  = "\x1b[33m"
	magenta = "\x1b[35m"
	bold    = "\x1b[1m"
	dim     = "\x1b[2m"
	reset   = "\x1b[0m"
)

func levelStyle(level string) (string, string) {
	switch level {
	case "debug":
		return "DBG", dim + magenta
	case "info":
		return "INF", bold + green
	case "warn":
		return "WRN", bold + yellow
	case "error":
		return "ERR", bold + red
	case "fatal":
		return "FTL", bold + red
	default:
		return level, blue
	}
}

func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// WithComponent tags every event with the emitting service.
func WithComponent(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", component).Logger()
}

func WithRun(component, runID string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", component).Str("run_id", runID).Logger()
}
