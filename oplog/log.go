// Package oplog implements the ordered per-replica operation log: the
// sequence of accepted operations that the replica engine appends to under
// normal operation and reconciles wholesale during a view change.
//
// Adapted from the teacher's phatlog.Log, which kept the log as a
// map[uint]interface{} with no per-entry view stamp. Generalizing it to an
// ordered slice makes "op_number = len(log)" (invariant I2) a structural
// guarantee instead of something the caller has to maintain separately, and
// stamping each entry with the view in which it was first accepted closes
// the gap the spec calls out in §9: DoViewChange's "best log" selection can
// now use the exact per-entry view instead of a single NormalView field.
package oplog

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"sync"

	"github.com/corverroos/vrengine/config"
	"github.com/pkg/errors"
)

// Entry is one accepted operation: the view in which it was first prepared,
// the client request it originated from (needed to reply correctly even
// after a view change moves the op to a new primary that never saw the
// original Request), and the opaque op itself.
type Entry struct {
	View          config.ViewNumber
	ClientID      config.ClientID
	RequestNumber config.RequestNumber
	Op            config.Op
}

// Log is the ordered, append-mostly sequence of accepted operations.
// Entries are 1-based in OpNumber terms: Log.At(1) is the first entry.
//
// A replica's log is mutated only from that replica's own event handler
// (on_message/on_idle), so Log does not need to defend against concurrent
// writers; the mutex here only guards against a harness or test reading a
// snapshot of the log from a different goroutine while the replica runs.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Append adds an entry to the end of the log and returns its OpNumber.
func (l *Log) Append(view config.ViewNumber, clientID config.ClientID, reqNum config.RequestNumber, op config.Op) config.OpNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{View: view, ClientID: clientID, RequestNumber: reqNum, Op: op})
	return config.OpNumber(len(l.entries))
}

// Len returns the current op_number, i.e. len(log) (invariant I2).
func (l *Log) Len() config.OpNumber {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return config.OpNumber(len(l.entries))
}

// At returns the entry at the given (1-based) op number.
func (l *Log) At(n config.OpNumber) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n == 0 || int(n) > len(l.entries) {
		return Entry{}, false
	}
	return l.entries[n-1], true
}

// Suffix returns a copy of every entry strictly after the given op number,
// used to answer GetState with the tail a lagging replica is missing.
func (l *Log) Suffix(from config.OpNumber) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if int(from) >= len(l.entries) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(from))
	copy(out, l.entries[from:])
	return out
}

// Entries returns a full copy of the log, used to populate DoViewChange and
// StartView messages.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Replace wholesale-swaps the log contents, used when adopting the "best
// log" chosen during a view change (§4.3) or the log shipped in StartView.
func (l *Log) Replace(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(entries))
	copy(l.entries, entries)
}

// LastView returns the view stamped on the last entry, or 0 for an empty log.
func (l *Log) LastView() config.ViewNumber {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].View
}

// Hash returns a content hash of the log, useful for test assertions that
// two replicas agree on a prefix without comparing every entry by hand.
func (l *Log) Hash() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(l.entries); err != nil {
		return "", errors.Wrap(err, "oplog: encode for hashing")
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
