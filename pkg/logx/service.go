package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects the sinks. With neither console nor file enabled the
// console sink is used anyway so errors are never silently dropped.
type Config struct {
	Level   string
	Console bool
	// Format of the console sink: "console" (default, human readable) or
	// "json" (for journald and log shippers).
	Format string
	File   FileConfig
}

// FileConfig appends JSON lines to Path.
type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./icecron.log"

// Service owns the sinks and lets the config change at runtime. Loggers
// from Service.Logger pick up each Apply on their next line.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks. An unchanged file path keeps the open handle.
// It is safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.File.Enabled {
		if f, err := s.openFileLocked(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	} else {
		s.closeFileLocked()
	}
	if cfg.Console || len(sinks) == 0 {
		if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
			sinks = append(sinks, os.Stderr)
		} else {
			sinks = append(sinks, consoleWriter(os.Stderr))
		}
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openFileLocked(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.filePath == path {
		return s.file, nil
	}
	s.closeFileLocked()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	s.file, s.filePath = f, path
	return f, nil
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
}

// Close releases the log file. Lines logged afterwards to a file-only
// config are lost.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}
