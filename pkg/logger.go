package pkg

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields are key/value pairs attached to every event of a logger.
type Fields map[string]any

// zerolog keeps its time format and stack marshaler in package globals.
// The first logger built in a process sets them.
var globalsOnce sync.Once

// Logger is a zerolog logger that remembers its persistent fields and owns
// the writers it was built with.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
	mu     sync.RWMutex
}

// Config selects the level, format and sinks of a Logger.
type Config struct {
	Level            string        `json:"level" yaml:"level"`   // trace through panic
	Format           string        `json:"format" yaml:"format"` // "json" or "console"
	TimestampFormat  string        `json:"timestamp_format" yaml:"timestamp_format"`
	Console          ConsoleConfig `json:"console" yaml:"console"`
	File             FileConfig    `json:"file" yaml:"file"`
	Fields           Fields        `json:"fields" yaml:"fields"`
	EnableStackTrace bool          `json:"enable_stack_trace" yaml:"enable_stack_trace"`

	// AsyncWrite puts a diode between the logger and its sinks. Events are
	// dropped, and counted on stderr, when BufferSize is exceeded.
	AsyncWrite bool `json:"async_write" yaml:"async_write"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig describes the terminal sink.
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	Output     string `json:"output" yaml:"output"` // "stdout" or "stderr"
}

// FileConfig describes the rotating file sink. Sizes are in megabytes and
// ages in days.
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "console",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stderr",
		},
		File: FileConfig{
			Path:       "chordsim.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
		},
		Fields:           make(Fields),
		EnableStackTrace: true,
		BufferSize:       10000,
	}
}

// New builds a Logger from config, or from DefaultConfig when config is nil.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	sinks, closer, err := openSinks(config)
	if err != nil {
		return nil, err
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = io.Discard
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(out, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		out, closer = dw, dw
	}

	setGlobals(config)

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
	}
	zl := zctx.Logger()

	return &Logger{
		Logger: &zl,
		config: config,
		fields: make(Fields),
		closer: closer,
	}, nil
}

// openSinks returns the enabled writers. The closer, if any, is the log file.
func openSinks(config *Config) ([]io.Writer, io.Closer, error) {
	var sinks []io.Writer
	var closer io.Closer

	if config.Console.Enable {
		var term io.Writer = os.Stderr
		if config.Console.Output == "stdout" {
			term = os.Stdout
		}
		if config.Format == "console" {
			term = zerolog.ConsoleWriter{
				Out:        term,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			}
		}
		sinks = append(sinks, term)
	}

	if config.File.Enable {
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			Compress:   config.File.Compress,
		}
		sinks = append(sinks, file)
		closer = file
	}

	return sinks, closer, nil
}

func setGlobals(config *Config) {
	globalsOnce.Do(func() {
		if config.TimestampFormat != "" {
			zerolog.TimeFieldFormat = config.TimestampFormat
		}
		if config.EnableStackTrace {
			zerolog.ErrorStackMarshaler = func(err error) any {
				return fmt.Sprintf("%+v", err)
			}
		}
	})
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: DefaultConfig(),
		fields: make(Fields),
	}
}

// UpdateLevel changes the minimum level of this logger. Children created
// earlier keep their level.
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	zl := l.Logger.Level(lvl)
	l.Logger = &zl
	l.config.Level = level
	return nil
}

// WithFields returns a child logger that adds fields to every event.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := maps.Clone(l.fields)
	parent := l.Logger
	l.mu.RUnlock()

	if merged == nil {
		merged = make(Fields, len(fields))
	}
	zctx := parent.With()
	for k, v := range fields {
		merged[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{Logger: &zl, config: l.config, fields: merged}
}

// WithHook returns a child logger that runs h on every event.
func (l *Logger) WithHook(h zerolog.Hook) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	zl := l.Logger.Hook(h)
	return &Logger{Logger: &zl, config: l.config, fields: l.fields}
}

// Fields returns a copy of the persistent fields.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := maps.Clone(l.fields)
	if out == nil {
		out = make(Fields)
	}
	return out
}

// Close flushes buffered output and closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
