package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes engine activity to a dated log file.
type Logger struct {
	name    string
	logDir  string
	logFile *os.File
	logger  *log.Logger
	mu      sync.Mutex
}

// LogLevel represents different types of log entries.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelSignal  LogLevel = "SIGNAL"
	LogLevelOrder   LogLevel = "ORDER"
	LogLevelStatus  LogLevel = "STATUS"
)

// NewLogger creates a file logger named after the engine instance.
func NewLogger(name, logDir string) (*Logger, error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02"))
	logPath := filepath.Join(logDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Logger{
		name:    name,
		logDir:  logDir,
		logFile: file,
		logger:  log.New(file, "", 0),
	}
	l.writeSessionHeader()
	return l, nil
}

func (l *Logger) writeSessionHeader() {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := fmt.Sprintf(`
================================================================================
SIGNAL ENGINE SESSION STARTED
================================================================================
Instance: %s
Started:  %s
================================================================================
`, l.name, time.Now().Format("2006-01-02 15:04:05"))

	l.logger.Print(header)
}

// Log writes a formatted entry with the given level.
func (l *Logger) Log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s", timestamp, level, message)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LogLevelInfo, format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LogLevelWarning, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LogLevelError, format, args...)
}

// Signal logs signal intake activity.
func (l *Logger) Signal(format string, args ...interface{}) {
	l.Log(LogLevelSignal, format, args...)
}

// Order logs order routing activity.
func (l *Logger) Order(format string, args ...interface{}) {
	l.Log(LogLevelOrder, format, args...)
}

// Status logs periodic status summaries.
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LogLevelStatus, format, args...)
}

// LogOrderConfirmed logs a confirmed order with its sizing context.
func (l *Logger) LogOrderConfirmed(exchange, symbol, side, orderID string, qty, price, stopLoss, takeProfit float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	entry := fmt.Sprintf(`
[%s] [ORDER] ==================== ORDER CONFIRMED ====================
Exchange: %s | Symbol: %s | Side: %s
Order ID: %s
Quantity: %.8f @ $%.2f
Stop Loss: $%.2f | Take Profit: $%.2f
==============================================================`,
		timestamp, exchange, symbol, side, orderID, qty, price, stopLoss, takeProfit)

	l.logger.Println(entry)
}

// LogPositionClosed logs a position close with its outcome.
func (l *Logger) LogPositionClosed(exchange, symbol, reason string, entryPrice, exitPrice float64) {
	var change float64
	if entryPrice > 0 {
		change = (exitPrice - entryPrice) / entryPrice * 100
	}
	l.Log(LogLevelOrder, "Position closed %s %s (%s): entry $%.2f exit $%.2f (%.2f%%)",
		exchange, symbol, reason, entryPrice, exitPrice, change)
}

// LogError logs an error with context.
func (l *Logger) LogError(context string, err error) {
	l.Error("%s: %v", context, err)
}

// Close writes the session footer and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return nil
	}
	footer := fmt.Sprintf(`
================================================================================
SIGNAL ENGINE SESSION ENDED
================================================================================
Ended: %s
================================================================================

`, time.Now().Format("2006-01-02 15:04:05"))
	l.logger.Print(footer)
	return l.logFile.Close()
}

// Path returns the current log file path.
func (l *Logger) Path() string {
	filename := fmt.Sprintf("%s_%s.log", l.name, time.Now().Format("2006-01-02"))
	return filepath.Join(l.logDir, filename)
}
