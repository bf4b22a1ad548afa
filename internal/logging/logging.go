// Package logging implements an asynchronous, leveled log sink: callers
// never block on a flush, a single background goroutine drains a bounded
// queue and writes to the destination writer. Level-tagged calls
// (Debugf/Infof/Warnf/Errorf) take an ordinary format string plus
// arguments rather than going through a macro layer.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Level is a log severity, ordered low to high.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelTag = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO ",
	Warn:  "WARN ",
	Error: "ERROR",
}

var levelColor = map[Level]*color.Color{
	Debug: color.New(color.FgCyan),
	Info:  color.New(color.FgGreen),
	Warn:  color.New(color.FgYellow),
	Error: color.New(color.FgRed, color.Bold),
}

// entry is one queued log line.
type entry struct {
	level Level
	msg   string
}

// Logger is an async leveled sink. The zero value is not usable; construct
// with New.
type Logger struct {
	level Level
	std   *log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []entry
	max    int
	closed bool

	wg sync.WaitGroup
}

// New creates a Logger writing to os.Stdout, dropping entries below level,
// with a bounded queue capacity of maxQueue entries. Entries pushed past capacity displace
// the oldest unflushed entry rather than blocking the caller — the async
// sink's whole point is that callers "must not depend on synchronous
// flush," and must not stall on it either.
func New(level Level, maxQueue int) *Logger {
	if maxQueue < 1 {
		maxQueue = 1024
	}
	l := &Logger{
		level: level,
		std:   log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		max:   maxQueue,
	}
	l.cond = sync.NewCond(&l.mu)
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, e := range batch {
			c := levelColor[e.level]
			l.std.Output(3, c.Sprintf("[%s] %s", levelTag[e.level], e.msg))
		}
	}
}

func (l *Logger) enqueue(lvl Level, msg string) {
	if lvl < l.level {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if len(l.queue) >= l.max {
		// drop oldest; a saturated async sink must not apply backpressure
		// to the caller, since nothing downstream can depend on a
		// synchronous flush either.
		l.queue = l.queue[1:]
	}
	l.queue = append(l.queue, entry{level: lvl, msg: msg})
	l.mu.Unlock()
	l.cond.Signal()
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.enqueue(Debug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...interface{})  { l.enqueue(Info, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.enqueue(Warn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.enqueue(Error, fmt.Sprintf(format, args...)) }

// Close stops accepting new entries, flushes whatever remains, and joins
// the background goroutine.
func (l *Logger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
	l.wg.Wait()
}
