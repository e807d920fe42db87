package debuglog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const queueSize = 2048

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelError:
		return "ERROR"
	default:
		return "LEVEL(" + fmt.Sprint(int(l)) + ")"
	}
}

// Sink receives every message that passes the level filter.
type Sink func(level Level, msg string)

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	sinkMu  sync.RWMutex
	sink    Sink
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Threshold reads MESHD_DEBUG: unset or "0" is info, "1"/"debug" is debug,
// "2"/"trace" is trace.
func Threshold() Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MESHD_DEBUG"))) {
	case "2", "trace":
		return LevelTrace
	case "1", "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func Enabled(level Level) bool {
	return level >= Threshold()
}

// SetSink installs a sink and returns the previous one. A nil sink restores
// the default stderr writer.
func SetSink(s Sink) Sink {
	sinkMu.Lock()
	prev := sink
	sink = s
	sinkMu.Unlock()
	return prev
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

func emit(level Level, format string, args ...any) {
	if !Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	sinkMu.RLock()
	s := sink
	sinkMu.RUnlock()
	if s != nil {
		s(level, msg)
		return
	}
	line := time.Now().UTC().Format(time.RFC3339Nano) + " " + level.String() + " " + msg + "\n"
	if level >= LevelInfo {
		_, _ = os.Stderr.WriteString(line)
		return
	}
	global.start()
	select {
	case global.ch <- line:
	default:
		// Drop when saturated to keep the event loop non-blocking.
	}
}

// Logf always logs at info level.
func Logf(format string, args ...any) {
	emit(LevelInfo, format, args...)
}

func Tracef(format string, args ...any) {
	emit(LevelTrace, format, args...)
}

func Debugf(format string, args ...any) {
	emit(LevelDebug, format, args...)
}

func Infof(format string, args ...any) {
	emit(LevelInfo, format, args...)
}

func Errorf(format string, args ...any) {
	emit(LevelError, format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled(LevelDebug) || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	emit(LevelDebug, format, args...)
}
