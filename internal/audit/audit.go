// Package audit records every authenticated REST and tool invocation in the
// catalog's request log. Writes are asynchronous and never block the caller;
// entries that cannot be persisted are counted and dropped.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/catalog"
)

// RedactedSentinel replaces password values in logged request payloads.
const RedactedSentinel = "***REDACTED***"

const queueDepth = 256

// Logger is the asynchronous audit writer.
type Logger struct {
	store         *catalog.Store
	responseCap   int
	retentionDays int

	entries chan *catalog.LogEntry
	dropped atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

// New starts the audit worker and the daily retention purge.
func New(store *catalog.Store, responseCap, retentionDays int) *Logger {
	l := &Logger{
		store:         store,
		responseCap:   responseCap,
		retentionDays: retentionDays,
		entries:       make(chan *catalog.LogEntry, queueDepth),
		stopCh:        make(chan struct{}),
	}
	l.wg.Add(2)
	go l.writeLoop()
	go l.purgeLoop()
	return l
}

// Record queues one entry. The request payload has password fields redacted
// at any depth; oversized mysql_query responses are truncated and marked.
func (l *Logger) Record(id *auth.Identity, endpoint, method string, request, response any, status int, duration time.Duration) {
	entry := &catalog.LogEntry{
		Endpoint:   endpoint,
		Method:     method,
		Request:    marshalRedacted(request),
		Response:   l.marshalResponse(endpoint, response),
		Status:     status,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if id != nil {
		entry.UserID = id.UserID
		entry.APIKeyID = id.APIKeyID
	}

	// The channel is never closed, so a Record racing Close cannot panic;
	// entries arriving after shutdown are counted as dropped.
	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}
	select {
	case l.entries <- entry:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many entries could not be queued or persisted.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains the queue and stops the worker.
func (l *Logger) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.entries:
			l.persist(entry)
		case <-l.stopCh:
			for {
				select {
				case entry := <-l.entries:
					l.persist(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) persist(entry *catalog.LogEntry) {
	if err := l.store.AppendLog(entry); err != nil {
		l.dropped.Add(1)
		slog.Warn("audit write failed", "endpoint", entry.Endpoint, "err", err)
	}
}

func (l *Logger) purgeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := l.store.PurgeLogsOlderThan(l.retentionDays)
			if err != nil {
				slog.Warn("audit retention purge failed", "err", err)
			} else if removed > 0 {
				slog.Info("purged old audit entries", "removed", removed, "retentionDays", l.retentionDays)
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *Logger) marshalResponse(endpoint string, response any) string {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Sprintf(`{"marshalError":%q}`, err.Error())
	}
	// list_databases responses are always logged whole; only query results
	// can balloon past the cap.
	if endpoint == "mysql_query" && len(raw) > l.responseCap {
		return string(raw[:l.responseCap]) + fmt.Sprintf("…[truncated %d bytes]", len(raw)-l.responseCap)
	}
	return string(raw)
}

// marshalRedacted serializes a request payload with every password field, at
// any depth, replaced by the sentinel.
func marshalRedacted(request any) string {
	raw, err := json.Marshal(request)
	if err != nil {
		return fmt.Sprintf(`{"marshalError":%q}`, err.Error())
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	redacted, err := json.Marshal(redactValue(decoded))
	if err != nil {
		return string(raw)
	}
	return string(redacted)
}

func redactValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		for k, val := range typed {
			if isPasswordKey(k) {
				typed[k] = RedactedSentinel
				continue
			}
			typed[k] = redactValue(val)
		}
		return typed
	case []any:
		for i, val := range typed {
			typed[i] = redactValue(val)
		}
		return typed
	default:
		return v
	}
}

func isPasswordKey(k string) bool {
	lower := strings.ToLower(k)
	return strings.Contains(lower, "password")
}
