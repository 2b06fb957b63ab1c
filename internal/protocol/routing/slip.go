package routing

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

var ErrSlipViolation = errors.New("routing: slip violation")

// SlipError describes a rejected slip mutation. The slip is left unchanged.
type SlipError struct {
	Op     string
	URI    string
	Reason string
	Slip   []string
}

func (e *SlipError) Error() string {
	return fmt.Sprintf("routing: %s %q: %s [%s]", e.Op, e.URI, e.Reason, strings.Join(e.Slip, ", "))
}

func (e *SlipError) Unwrap() error { return ErrSlipViolation }

// slip is the append-only entry list shared by command and event slips.
type slip struct {
	mu   sync.RWMutex
	uris []string
}

// Contains reports whether uri is present. With ignoreTag the query is
// stripped from both sides before comparing.
func (s *slip) Contains(uri string, ignoreTag bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(uri, ignoreTag)
}

func (s *slip) containsLocked(uri string, ignoreTag bool) bool {
	norm := NormalizeURIWithQuery
	if ignoreTag {
		norm = NormalizeURI
	}
	want := norm(uri)
	for _, entry := range s.uris {
		if norm(entry) == want {
			return true
		}
	}
	return false
}

// StartsWith reports whether the slip begins with every entry of other, in order.
func (s *slip) StartsWith(other []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(other) > len(s.uris) {
		return false
	}
	for i, entry := range other {
		if NormalizeURIWithQuery(entry) != s.uris[i] {
			return false
		}
	}
	return true
}

// ContinueWith appends the entries of other that follow the prefix it shares
// with this slip. Any remaining entry already present is a violation.
func (s *slip) ContinueWith(other []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := make([]string, len(other))
	for i, entry := range other {
		incoming[i] = NormalizeURIWithQuery(entry)
	}
	shared := 0
	for shared < len(incoming) && shared < len(s.uris) && incoming[shared] == s.uris[shared] {
		shared++
	}
	tail := incoming[shared:]

	seen := make(map[string]struct{}, len(s.uris)+len(tail))
	for _, entry := range s.uris {
		seen[entry] = struct{}{}
	}
	for _, entry := range tail {
		if _, dup := seen[entry]; dup {
			return &SlipError{Op: "continue", URI: entry, Reason: "already in routing slip", Slip: s.snapshotLocked()}
		}
		seen[entry] = struct{}{}
	}
	s.uris = append(s.uris, tail...)
	return nil
}

func (s *slip) ToArray() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *slip) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.uris)
}

func (s *slip) String() string {
	return "[" + strings.Join(s.ToArray(), ", ") + "]"
}

func (s *slip) snapshotLocked() []string {
	out := make([]string, len(s.uris))
	copy(out, s.uris)
	return out
}

func (s *slip) load(entries []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uris = s.uris[:0]
	for _, entry := range entries {
		s.uris = append(s.uris, NormalizeURIWithQuery(entry))
	}
}

// CommandSlip records each kernel a command enters (uri?tag=arrived) and
// leaves (bare uri).
type CommandSlip struct {
	slip
}

func NewCommandSlip(entries ...string) *CommandSlip {
	s := &CommandSlip{}
	s.load(entries)
	return s
}

// StampArrived appends uri?tag=arrived. The uri must not be present under any tag.
func (s *CommandSlip) StampArrived(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containsLocked(uri, true) {
		return &SlipError{Op: "stamp arrived", URI: NormalizeURI(uri), Reason: "already in routing slip", Slip: s.snapshotLocked()}
	}
	s.uris = append(s.uris, withTag(uri, TagArrived))
	return nil
}

// Stamp marks departure from uri. It requires a prior StampArrived for uri
// and succeeds once.
func (s *CommandSlip) Stamp(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bare := NormalizeURI(uri)
	if !s.containsLocked(withTag(uri, TagArrived), false) {
		return &SlipError{Op: "stamp", URI: bare, Reason: "has not arrived", Slip: s.snapshotLocked()}
	}
	if s.containsLocked(bare, false) {
		return &SlipError{Op: "stamp", URI: bare, Reason: "already departed", Slip: s.snapshotLocked()}
	}
	s.uris = append(s.uris, bare)
	return nil
}

func (s *CommandSlip) Clone() *CommandSlip {
	return NewCommandSlip(s.ToArray()...)
}

func (s *CommandSlip) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToArray())
}

func (s *CommandSlip) UnmarshalJSON(data []byte) error {
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	s.load(entries)
	return nil
}

// EventSlip records each kernel an event passed through, once per kernel.
type EventSlip struct {
	slip
}

func NewEventSlip(entries ...string) *EventSlip {
	s := &EventSlip{}
	s.load(entries)
	return s
}

func (s *EventSlip) Stamp(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containsLocked(uri, true) {
		return &SlipError{Op: "stamp", URI: NormalizeURI(uri), Reason: "already in routing slip", Slip: s.snapshotLocked()}
	}
	s.uris = append(s.uris, NormalizeURI(uri))
	return nil
}

func (s *EventSlip) Clone() *EventSlip {
	return NewEventSlip(s.ToArray()...)
}

func (s *EventSlip) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToArray())
}

func (s *EventSlip) UnmarshalJSON(data []byte) error {
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	s.load(entries)
	return nil
}
