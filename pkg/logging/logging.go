// pkg/logging/logging.go - Timestamped run logging for cimiscan
//
// Every run writes into its own directory (YYYY-MM-DD-HHMMss) under the
// configured logs path:
// - cimiscan.log   plain text, one line per message
// - events.jsonl   one JSON object per message
// - events.yaml    YAML documents mirroring the JSON stream
// Old run directories are pruned at startup.

package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/windowsadmins/cimiscan/pkg/config"
)

// LogLevel represents the severity of the log message.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of the LogLevel.
func (ll LogLevel) String() string {
	switch ll {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configuration string to a LogLevel. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// LogEntry is the structured form written to the JSON and YAML mirrors.
type LogEntry struct {
	Time       int64                  `json:"time" yaml:"time"`
	Timestamp  string                 `json:"timestamp" yaml:"timestamp"`
	Level      string                 `json:"level" yaml:"level"`
	Message    string                 `json:"message" yaml:"message"`
	Component  string                 `json:"component" yaml:"component"`
	PID        int64                  `json:"pid" yaml:"pid"`
	Hostname   string                 `json:"hostname" yaml:"hostname"`
	SessionID  string                 `json:"session_id" yaml:"session_id"`
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// RetentionPolicy defines how many run directories survive a new run.
type RetentionPolicy struct {
	MaxRuns    int
	MaxAgeDays int
}

// LoggerConfig holds configuration for the run logger.
type LoggerConfig struct {
	BaseDir       string
	Component     string
	SessionID     string
	Level         LogLevel
	Retention     RetentionPolicy
	EnableJSON    bool
	EnableYAML    bool
	EnableConsole bool
}

// Logger is used both as the run logger behind the package-level functions and
// as a console printer returned by New.
type Logger struct {
	mu       sync.Mutex
	logger   *log.Logger
	logLevel LogLevel
	logFile  *os.File
	jsonFile *os.File
	yamlFile *os.File
	config   LoggerConfig
	logDir   string
	hostname string

	// console printer state
	out     io.Writer
	verbose bool
}

var (
	instanceMu sync.RWMutex
	instance   *Logger
)

const runDirLayout = "2006-01-02-150405"

// DefaultRetentionPolicy keeps the last 20 runs and nothing older than 30 days.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxRuns: 20, MaxAgeDays: 30}
}

// Init initializes the run logger from the configuration. Calling Init again
// before CloseLogger is a no-op.
func Init(cfg *config.Configuration) error {
	logCfg := LoggerConfig{
		BaseDir:       cfg.LogsPath,
		Component:     "cimiscan",
		SessionID:     uuid.New().String(),
		Level:         ParseLevel(cfg.LogLevel),
		Retention:     DefaultRetentionPolicy(),
		EnableJSON:    true,
		EnableYAML:    true,
		EnableConsole: cfg.Verbose || cfg.Debug,
	}
	if cfg.Debug {
		logCfg.Level = LevelDebug
	}
	return InitWithConfig(logCfg)
}

// InitWithConfig initializes the run logger with an explicit LoggerConfig.
func InitWithConfig(logCfg LoggerConfig) error {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return nil
	}
	l, err := newLoggerWithConfig(logCfg)
	if err != nil {
		return err
	}
	instance = l
	return nil
}

func newLoggerWithConfig(cfg LoggerConfig) (*Logger, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("log directory not configured")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base log directory: %w", err)
	}

	pruneRunDirs(cfg.BaseDir, cfg.Retention, time.Now())

	logDir := filepath.Join(cfg.BaseDir, time.Now().Format(runDirLayout))
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run log directory %s: %w", logDir, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	l := &Logger{
		config:   cfg,
		logDir:   logDir,
		hostname: hostname,
		logLevel: cfg.Level,
	}
	if err := l.openFiles(); err != nil {
		l.closeFiles()
		return nil, err
	}

	if cfg.EnableConsole {
		l.logger = log.New(io.MultiWriter(os.Stdout, l.logFile), "", 0)
	} else {
		l.logger = log.New(l.logFile, "", 0)
	}
	return l, nil
}

func (l *Logger) openFiles() error {
	var err error
	l.logFile, err = os.OpenFile(filepath.Join(l.logDir, "cimiscan.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open main log file: %w", err)
	}
	if l.config.EnableJSON {
		l.jsonFile, err = os.OpenFile(filepath.Join(l.logDir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open JSON log file: %w", err)
		}
	}
	if l.config.EnableYAML {
		l.yamlFile, err = os.OpenFile(filepath.Join(l.logDir, "events.yaml"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open YAML log file: %w", err)
		}
	}
	return nil
}

func (l *Logger) closeFiles() {
	for _, f := range []**os.File{&l.logFile, &l.jsonFile, &l.yamlFile} {
		if *f != nil {
			if err := (*f).Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to close log file: %v\n", err)
			}
			*f = nil
		}
	}
}

// pruneRunDirs removes run directories beyond the retention count or age.
func pruneRunDirs(baseDir string, retention RetentionPolicy, now time.Time) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return
	}

	var runs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(runDirLayout, entry.Name()); err == nil {
			runs = append(runs, entry.Name())
		}
	}
	// Newest first; the layout sorts lexically.
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))

	maxAge := time.Duration(retention.MaxAgeDays) * 24 * time.Hour
	for i, name := range runs {
		expired := false
		if retention.MaxRuns > 0 && i >= retention.MaxRuns {
			expired = true
		}
		if ts, err := time.ParseInLocation(runDirLayout, name, now.Location()); err == nil && retention.MaxAgeDays > 0 && now.Sub(ts) > maxAge {
			expired = true
		}
		if expired {
			_ = os.RemoveAll(filepath.Join(baseDir, name))
		}
	}
}

// CloseLogger closes all log files and resets the run logger.
func CloseLogger() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return
	}
	instance.mu.Lock()
	instance.closeFiles()
	instance.mu.Unlock()
	instance = nil
}

// LogDir returns the current run directory, or "" before Init.
func LogDir() string {
	instanceMu.RLock()
	defer instanceMu.RUnlock()
	if instance == nil {
		return ""
	}
	return instance.logDir
}

// SessionID returns the current session identifier, or "" before Init.
func SessionID() string {
	instanceMu.RLock()
	defer instanceMu.RUnlock()
	if instance == nil {
		return ""
	}
	return instance.config.SessionID
}

func properties(keyValues []interface{}) map[string]interface{} {
	if len(keyValues) == 0 {
		return nil
	}
	props := make(map[string]interface{}, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		key := fmt.Sprintf("%v", keyValues[i])
		val := keyValues[i+1]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		props[key] = val
	}
	return props
}

// formatLine renders the plain text form: [ts] LEVEL msg k=v ...
func formatLine(ts time.Time, level LogLevel, message string, keyValues []interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-5s %s", ts.Format("2006-01-02 15:04:05"), level.String(), message)
	for i := 0; i+1 < len(keyValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keyValues[i], keyValues[i+1])
	}
	return b.String()
}

func (l *Logger) logMessage(level LogLevel, message string, keyValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.logLevel || l.logger == nil {
		return
	}

	now := time.Now()
	l.logger.Println(formatLine(now, level, message, keyValues))

	entry := LogEntry{
		Time:       now.Unix(),
		Timestamp:  now.Format(time.RFC3339),
		Level:      level.String(),
		Message:    message,
		Component:  l.config.Component,
		PID:        int64(os.Getpid()),
		Hostname:   l.hostname,
		SessionID:  l.config.SessionID,
		Properties: properties(keyValues),
	}
	if l.jsonFile != nil {
		if data, err := json.Marshal(entry); err == nil {
			_, _ = l.jsonFile.Write(append(data, '\n'))
		}
	}
	if l.yamlFile != nil {
		if data, err := yaml.Marshal(entry); err == nil {
			_, _ = l.yamlFile.WriteString("---\n" + string(data))
		}
	}
}

// dispatch sends a message to the run logger, or to stderr at WARN and above
// when no run logger exists.
func dispatch(level LogLevel, message string, keyValues []interface{}) {
	instanceMu.RLock()
	l := instance
	instanceMu.RUnlock()
	if l == nil {
		if level <= LevelWarn {
			fmt.Fprintln(os.Stderr, formatLine(time.Now(), level, message, keyValues))
		}
		return
	}
	l.logMessage(level, message, keyValues...)
}

// Info logs informational messages.
func Info(message string, keyValues ...interface{}) {
	dispatch(LevelInfo, message, keyValues)
}

// Debug logs debug messages.
func Debug(message string, keyValues ...interface{}) {
	dispatch(LevelDebug, message, keyValues)
}

// Warn logs warnings.
func Warn(message string, keyValues ...interface{}) {
	dispatch(LevelWarn, message, keyValues)
}

// Error logs errors.
func Error(message string, keyValues ...interface{}) {
	dispatch(LevelError, message, keyValues)
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGreen  = "\033[32m"
)

// New returns a console printer for user-facing output.
func New(verbose bool) *Logger {
	enableColors()
	return &Logger{out: os.Stdout, verbose: verbose}
}

// SetOutput redirects console output.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) colorPrintf(color, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, color+format+colorReset+"\n", v...)
}

// Printf prints an uncolored line.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format+"\n", v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.colorPrintf(colorBlue, format, v...)
}

func (l *Logger) Success(format string, v ...interface{}) {
	l.colorPrintf(colorGreen, format, v...)
}

func (l *Logger) Warning(format string, v ...interface{}) {
	l.colorPrintf(colorYellow, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.colorPrintf(colorRed, format, v...)
}

// Debug prints only when the printer is verbose.
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.verbose {
		l.Printf(format, v...)
	}
}

// Fatal prints in red and exits with status 1.
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.Error(format, v...)
	os.Exit(1)
}
