package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxOpenLogFiles = 128

// ConversationLogger records chat traffic for later review.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one NDJSON line.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	SessionID  string         `json:"session_id"`
	StreamID   string         `json:"stream_id,omitempty"`
	ActionID   string         `json:"action_id,omitempty"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// fileConversationLogger writes events from a single goroutine so request
// paths never touch the filesystem.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan ConversationLogEvent
	dropped atomic.Int64
	done    chan struct{}

	files  *lru.Cache[string, *os.File]
	global *os.File
}

// NewConversationLogger returns a no-op logger when logging is disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	files, err := lru.NewWithEvict(maxOpenLogFiles, func(_ string, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("create log file cache: %w", err)
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  files,
	}

	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global log dir: %w", err)
		}
		g, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = g
	}

	go l.loop()
	return l, nil
}

// Log enqueues an event. Events are dropped when the queue is full.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Close flushes queued events and closes all files.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	l.files.Purge()
	if l.global != nil {
		return l.global.Close()
	}
	return nil
}

func (l *fileConversationLogger) loop() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if f, err := l.sessionFile(event.SessionID); err != nil {
			l.logger.Warn("Failed to open conversation log", "session_id", event.SessionID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("Failed to write conversation log", "session_id", event.SessionID, "error", err)
		}

		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (l *fileConversationLogger) sessionFile(sessionID string) (*os.File, error) {
	name := unsafeFileChars.ReplaceAllString(sessionID, "_")
	if name == "" || strings.Trim(name, ".") == "" {
		name = "unknown"
	}
	if f, ok := l.files.Get(name); ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files.Add(name, f)
	return f, nil
}

var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	spaces  = regexp.MustCompile(`[ \t]+`)
)

// cleanForReadability strips terminal escape sequences and control characters.
func cleanForReadability(raw string) string {
	s := ansiOSC.ReplaceAllString(raw, "")
	s = ansiCSI.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return -1
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
