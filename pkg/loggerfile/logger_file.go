package loggerfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
)

// FileLogger appends timestamped lines to a single trace file.
type FileLogger struct {
	file  *os.File
	path  string
	mutex sync.Mutex
}

// NewFileLogger opens (or creates) dir/name for appending, creating parent directories.
func NewFileLogger(dir, name string) (*FileLogger, error) {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &FileLogger{file: file, path: path}, nil
}

func (fl *FileLogger) Path() string {
	if fl == nil {
		return ""
	}
	return fl.path
}

// Info writes a formatted line. A nil FileLogger is a no-op so callers can keep
// tracing optional without branching.
func (fl *FileLogger) Info(format string, a ...interface{}) {
	if fl == nil {
		return
	}
	fl.mutex.Lock()
	defer fl.mutex.Unlock()

	line := fmt.Sprintf("%s: %s\n", time.Now().Format(time.RFC3339Nano), fmt.Sprintf(format, a...))
	if _, err := fl.file.WriteString(line); err != nil {
		logger.Warn("failed to write trace line to %s: %v", fl.path, err)
	}
}

func (fl *FileLogger) Close() error {
	if fl == nil {
		return nil
	}
	fl.mutex.Lock()
	defer fl.mutex.Unlock()
	return fl.file.Close()
}

// Set keeps one FileLogger per name under a common directory, opened lazily.
// A Set with an empty directory hands out nil loggers.
type Set struct {
	dir     string
	mu      sync.Mutex
	loggers map[string]*FileLogger
}

func NewSet(dir string) *Set {
	return &Set{dir: dir, loggers: make(map[string]*FileLogger)}
}

func (s *Set) Get(name string) *FileLogger {
	if s == nil || s.dir == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.loggers[name]; ok {
		return fl
	}
	fl, err := NewFileLogger(s.dir, name)
	if err != nil {
		logger.Warn("trace disabled for %s: %v", name, err)
		return nil
	}
	s.loggers[name] = fl
	return fl
}

// Release closes and forgets the logger for name.
func (s *Set) Release(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	fl, ok := s.loggers[name]
	delete(s.loggers, name)
	s.mu.Unlock()
	if ok {
		fl.Close()
	}
}

func (s *Set) CloseAll() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, fl := range s.loggers {
		fl.Close()
		delete(s.loggers, name)
	}
}
