package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// --- Constants for log levels ---
const (
	FLAG_TRACE = 5
	FLAG_DEBUG = 4
	FLAG_INFO  = 3
	FLAG_WARN  = 2
	FLAG_ERROR = 1
	FLAG_NONE  = 0
)

// --- ANSI color codes ---
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
)

type LoggerConfig struct {
	Flag       int
	Identifier string
	Outputs    []io.Writer
	ErrOutput  io.Writer
	NoColor    bool
}

type Logger struct {
	mu     sync.Mutex
	Config *LoggerConfig
}

// --- Global state ---
var config = &LoggerConfig{
	Flag:      FLAG_INFO,
	Outputs:   []io.Writer{os.Stdout},
	ErrOutput: os.Stderr,
}

var logger = &Logger{Config: config}

var levelNames = map[string]int{
	"none":  FLAG_NONE,
	"error": FLAG_ERROR,
	"warn":  FLAG_WARN,
	"info":  FLAG_INFO,
	"debug": FLAG_DEBUG,
	"trace": FLAG_TRACE,
}

// --- Configuration ---
func SetConfig(newConfig *LoggerConfig) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	*config = *newConfig
}

func SetOutputs(outputs ...io.Writer) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	config.Outputs = outputs
}

func SetFlag(flag int) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	config.Flag = flag
}

func SetIdentifier(identifier string) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	config.Identifier = identifier
}

// SetLevel sets the log level from its config name ("error", "warn", "info", "debug", "trace").
func SetLevel(name string) error {
	flag, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	SetFlag(flag)
	return nil
}

// Enabled reports whether messages of the given level are written.
func Enabled(level int) bool {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return config.Flag >= level
}

// --- Public Log API ---
func Trace(msg interface{}, a ...interface{}) { log(FLAG_TRACE, Blue, "TRACE", msg, a...) }
func Debug(msg interface{}, a ...interface{}) { log(FLAG_DEBUG, Cyan, "DEBUG", msg, a...) }
func Info(msg interface{}, a ...interface{})  { log(FLAG_INFO, Green, "INFO", msg, a...) }
func Warn(msg interface{}, a ...interface{})  { log(FLAG_WARN, Yellow, "WARN", msg, a...) }

func Error(msg interface{}, a ...interface{}) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if config.Flag < FLAG_ERROR {
		return
	}
	if config.ErrOutput != nil {
		config.ErrOutput.Write(formatConsoleLog(Red, "ERROR", msg, a...))
	}
}

// --- Internal Logging Logic ---
func log(level int, color, prefix string, msg interface{}, a ...interface{}) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if config.Flag < level {
		return
	}
	buffer := formatConsoleLog(color, prefix, msg, a...)
	for _, out := range config.Outputs {
		if out != nil {
			out.Write(buffer)
		}
	}
}

func formatMessage(buffer *bytes.Buffer, msg interface{}, a ...interface{}) {
	if str, ok := msg.(string); ok && len(a) > 0 && strings.Contains(str, "%") {
		fmt.Fprintf(buffer, str, a...)
		return
	}
	fmt.Fprint(buffer, msg)
	for _, item := range a {
		fmt.Fprintf(buffer, " %v", item)
	}
}

func formatConsoleLog(color, prefix string, msg interface{}, a ...interface{}) []byte {
	var contentBuffer bytes.Buffer
	if config.Identifier != "" {
		fmt.Fprintf(&contentBuffer, "[%s] ", config.Identifier)
	}
	formatMessage(&contentBuffer, msg, a...)

	if config.NoColor {
		color = ""
	}
	reset := Reset
	if color == "" {
		reset = ""
	}

	lines := strings.Split(contentBuffer.String(), "\n")
	var buffer bytes.Buffer
	header := fmt.Sprintf(" %s ", time.Now().Format("15:04:05.000"))
	buffer.WriteString(color)
	fmt.Fprintf(&buffer, "┌─[%s]%s\n", prefix, header)
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			fmt.Fprintf(&buffer, "│  %s\n", line)
		}
	}
	buffer.WriteString("└" + strings.Repeat("─", len(prefix)+len(header)+3))
	buffer.WriteString(reset + "\n")
	return buffer.Bytes()
}
