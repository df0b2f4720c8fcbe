// Package audit is an append-only, hash-chained record of firewall
// decisions and operator actions. Each entry stores the hash of the
// previous entry's JSON line, so any edit to history breaks the chain.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mbd888/txfirewall/internal/idgen"
)

// GenesisHash is the prev_hash for the first entry in a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Actions recorded by the firewall.
const (
	ActionCheck   = "check"
	ActionReserve = "check_reserve"
	ActionConfirm = "confirm"
	ActionRelease = "release"
	ActionRecord  = "record_spend"
	ActionReset   = "reset_period"
	ActionBlock   = "block"
	ActionAllow   = "allow"
)

// Entry is one line of the audit log. Fields are fixed so json.Marshal
// output is deterministic.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	Action    string `json:"action"`
	CheckID   string `json:"check_id,omitempty"`
	Subject   string `json:"subject,omitempty"` // destination, address, or reservation
	AmountWei string `json:"amount_wei,omitempty"`
	Allowed   bool   `json:"allowed"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	PrevHash  string `json:"prev_hash"`
}

// Log keeps entries in memory and optionally mirrors each line to w.
type Log struct {
	mu       sync.Mutex
	lines    [][]byte
	prevHash string
	w        io.Writer
	file     *os.File
	now      func() time.Time
}

// ErrBrokenChain is returned by OpenFile when the existing file fails
// verification; appending to it would hide the tampering.
var ErrBrokenChain = errors.New("audit: existing log fails hash chain verification")

// Option configures a Log.
type Option func(*Log)

// WithWriter mirrors every appended line to w, e.g. an append-only file.
func WithWriter(w io.Writer) Option {
	return func(l *Log) { l.w = w }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{prevHash: GenesisHash, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenFile opens or creates an append-only log file and resumes its chain
// from the last entry. Close releases the file.
func OpenFile(path string, opts ...Option) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	if res := Verify(bytes.NewReader(data)); !res.Valid {
		return nil, fmt.Errorf("%w: line %d: %s", ErrBrokenChain, res.ErrorLine, res.Error)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	l := NewLog(opts...)
	l.w, l.file = f, f
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		l.lines = append(l.lines, line)
		l.prevHash = HashLine(line)
	}
	return l, nil
}

// Close closes the backing file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file, l.w = nil, nil
	return err
}

// Log appends e and returns its ID. ID, Timestamp, and PrevHash are set here.
func (l *Log) Log(_ context.Context, e Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = idgen.WithPrefix(idgen.PrefixAudit)
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	e.PrevHash = l.prevHash

	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	if l.w != nil {
		if _, err := l.w.Write(append(line, '\n')); err != nil {
			return "", fmt.Errorf("audit: write entry: %w", err)
		}
	}

	l.lines = append(l.lines, line)
	l.prevHash = HashLine(line)
	return e.ID, nil
}

// Export returns the whole log as JSON lines.
func (l *Log) Export(_ context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	for _, line := range l.lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Entries returns the most recent n entries, oldest first. n <= 0 returns all.
func (l *Log) Entries(n int) []Entry {
	l.mu.Lock()
	lines := l.lines
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err == nil {
			out = append(out, e)
		}
	}
	l.mu.Unlock()
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify checks the hash chain of an exported log.
func Verify(r io.Reader) VerifyResult {
	scanner := bufio.NewScanner(r)
	prev := GenesisHash
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Bytes()
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Lines: n, Error: fmt.Sprintf("parse error: %v", err), ErrorLine: n}
		}
		if e.PrevHash != prev {
			return VerifyResult{Lines: n, Error: fmt.Sprintf("prev_hash mismatch: got %q", e.PrevHash), ErrorLine: n}
		}
		prev = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Lines: n, Error: err.Error()}
	}
	return VerifyResult{Valid: true, Lines: n}
}
