package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	// zerolog keeps these as package globals; set them once per process.
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with the child-logger helpers used across the node.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level"`

	// Format is the output format (json, console)
	Format string `json:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console"`

	// File output settings
	File FileConfig `json:"file"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller"`

	// CallerSkipFrameCount for caller information
	CallerSkipFrameCount int `json:"caller_skip_frame_count"`

	// AsyncWrite routes output through a non-blocking diode writer
	AsyncWrite bool `json:"async_write"`

	// BufferSize for the async writer
	BufferSize int `json:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable"`
	NoColor    bool   `json:"no_color"`
	TimeFormat string `json:"time_format"`
	Output     string `json:"output"` // stdout, stderr
}

// FileConfig for rotating file output
type FileConfig struct {
	Enable     bool   `json:"enable"`
	Path       string `json:"path"`
	MaxSize    int    `json:"max_size"` // megabytes
	MaxAge     int    `json:"max_age"`  // days
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Path:       "chordkv.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		EnableCaller:         false,
		CallerSkipFrameCount: 2,
		BufferSize:           10000,
	}
}

// New creates a new logger instance. An unknown level is rejected.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	writer, err := buildWriter(config)
	if err != nil {
		return nil, err
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		zctx = zctx.Caller()
	}
	zl := zctx.Logger()

	return &Logger{
		Logger: &zl,
		config: config,
		fields: make(Fields),
	}, nil
}

// buildWriter assembles console, file and async writers from the config.
func buildWriter(config *Config) (io.Writer, error) {
	writers := []io.Writer{}

	if config.Console.Enable {
		var output io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			output = os.Stderr
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("log file path cannot be empty")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			Compress:   config.File.Compress,
		})
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		writer = diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
	}

	return writer, nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: DefaultConfig(),
		fields: make(Fields),
	}
}

// WithFields creates a child logger carrying the given fields in addition to
// the parent's.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	zctx := base.With()
	for k, v := range fields {
		merged[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newLogger := l.Logger.Level(lvl)
	l.Logger = &newLogger
	l.config.Level = level
	return nil
}
