// Package ledger maintains the consolidated spec document. Every completed
// task's artifact is appended under a task-scoped heading, producing a single
// growing markdown file that records all finished work in completion order.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hive/internal/cachemanager"
	"hive/internal/log"
	"hive/internal/store"
)

// DefaultKey is where the consolidated document lives in the store.
const DefaultKey = "logs/active_spec.md"

const markerCacheTTL = 10 * time.Minute

// Entry is one consolidated block parsed back out of the ledger.
type Entry struct {
	TaskID  string
	AgentID string
	Content string
}

// Ledger appends task artifacts under framed headings. Appends are
// idempotent per task: re-appending an already consolidated task is a no-op.
type Ledger struct {
	store store.Store
	key   string

	// seen caches task IDs already present in the document so the common
	// duplicate check avoids a full read.
	seen cachemanager.CacheManager[string, bool]
}

// New returns a Ledger over the given store at DefaultKey.
func New(s store.Store) *Ledger {
	return NewAt(s, DefaultKey)
}

// NewAt returns a Ledger at a custom store key.
func NewAt(s store.Store, key string) *Ledger {
	return &Ledger{
		store: s,
		key:   key,
		seen:  cachemanager.NewInMemoryCacheManager[string, bool]("ledger", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
	}
}

// marker returns the heading line that frames a task's block. The heading
// doubles as the idempotency key for Append.
func marker(taskID, agentID string) string {
	return fmt.Sprintf("## Task: %s (by %s)", taskID, agentID)
}

// Append adds the artifact content for taskID under its heading. If the
// document already contains a block for taskID the call does nothing and
// returns nil.
func (l *Ledger) Append(ctx context.Context, taskID, agentID string, content []byte) error {
	dup, err := l.Contains(ctx, taskID)
	if err != nil {
		return err
	}
	if dup {
		log.Debug(log.CatLedger, "skipping duplicate consolidation", "task", taskID)
		return nil
	}

	block := fmt.Sprintf("\n\n---\n%s\n\n%s", marker(taskID, agentID), content)
	if err := l.store.Append(l.key, []byte(block)); err != nil {
		return fmt.Errorf("append ledger entry for %s: %w", taskID, err)
	}

	l.seen.Set(ctx, taskID, true, markerCacheTTL)
	log.Info(log.CatLedger, "consolidated task", "task", taskID, "agent", agentID, "bytes", len(content))
	return nil
}

// Contains reports whether the document already has a block for taskID.
func (l *Ledger) Contains(ctx context.Context, taskID string) (bool, error) {
	if hit, ok := l.seen.Get(ctx, taskID); ok && hit {
		return true, nil
	}

	data, err := l.store.Read(l.key)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ledger: %w", err)
	}

	// anchor to the block frame so artifact content that merely quotes a
	// marker line cannot shadow a later task's entry
	prefix := fmt.Sprintf("\n\n---\n## Task: %s (by ", taskID)
	found := strings.Contains(string(data), prefix)
	if found {
		l.seen.Set(ctx, taskID, true, markerCacheTTL)
	}
	return found, nil
}

// Entries parses the document back into its blocks, in append order.
// Returns an empty slice when the document does not exist yet.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	data, err := l.store.Read(l.key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var entries []Entry
	blocks := strings.Split(string(data), "\n\n---\n")
	for _, block := range blocks {
		e, ok := parseBlock(block)
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func parseBlock(block string) (Entry, bool) {
	heading, rest, found := strings.Cut(block, "\n\n")
	if !found {
		heading = block
	}
	heading = strings.TrimSpace(heading)
	if !strings.HasPrefix(heading, "## Task: ") {
		return Entry{}, false
	}
	idPart := strings.TrimPrefix(heading, "## Task: ")
	taskID, byPart, found := strings.Cut(idPart, " (by ")
	if !found || !strings.HasSuffix(byPart, ")") {
		return Entry{}, false
	}
	return Entry{
		TaskID:  taskID,
		AgentID: strings.TrimSuffix(byPart, ")"),
		Content: strings.TrimSpace(rest),
	}, true
}
