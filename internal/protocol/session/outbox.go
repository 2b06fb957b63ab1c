package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingCommand tracks one forwarded command awaiting its terminal reply.
type PendingCommand struct {
	Token       string    `json:"token"`
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type"`
	RemoteURI   string    `json:"remote_uri"`
	Attempts    int       `json:"attempts"`
	QueuedAt    time.Time `json:"queued_at"`
	SentAt      time.Time `json:"sent_at,omitempty"`
	DeadlineAt  time.Time `json:"deadline_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// CommandOutbox stores pending commands by stable command id.
type CommandOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingCommand
}

func NewCommandOutbox() *CommandOutbox {
	return &CommandOutbox{
		items: make(map[string]PendingCommand),
	}
}

func (o *CommandOutbox) Upsert(item PendingCommand) {
	key := strings.TrimSpace(item.CommandID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

// MarkAttempt records one send attempt and its error, if any.
func (o *CommandOutbox) MarkAttempt(commandID string, at time.Time, lastErr string) (PendingCommand, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingCommand{}, false
	}
	item.Attempts++
	item.SentAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *CommandOutbox) Remove(commandID string) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *CommandOutbox) Get(commandID string) (PendingCommand, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *CommandOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Expired lists items whose deadline is set and not after now.
func (o *CommandOutbox) Expired(now time.Time) []PendingCommand {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []PendingCommand
	for _, item := range o.items {
		if !item.DeadlineAt.IsZero() && !item.DeadlineAt.After(now) {
			out = append(out, item)
		}
	}
	sortPending(out)
	return out
}

func (o *CommandOutbox) List() []PendingCommand {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingCommand, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func sortPending(items []PendingCommand) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].QueuedAt.Before(items[j].QueuedAt)
		}
		return items[i].CommandID < items[j].CommandID
	})
}
