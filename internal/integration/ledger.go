package integration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/flotilla/internal/errors"
)

// EntryKind distinguishes ledger entries
type EntryKind string

const (
	KindMerge      EntryKind = "merge"
	KindCheckpoint EntryKind = "checkpoint"
)

// Entry is one line of a PRD ledger. Hash covers the entry with Hash empty,
// prefixed by PrevHash.
type Entry struct {
	Seq        int64         `json:"seq"`
	Kind       EntryKind     `json:"kind"`
	Time       time.Time     `json:"time"`
	Merge      *MergeRecord  `json:"merge,omitempty"`
	Checkpoint *CheckpointPR `json:"checkpoint,omitempty"`
	PrevHash   string        `json:"prev_hash"`
	Hash       string        `json:"hash"`
}

type chainHead struct {
	seq  int64
	hash string
}

// Ledger is the append-only NDJSON record of merges and checkpoints, one file
// per PRD
type Ledger struct {
	dir   string
	mu    sync.Mutex
	heads map[string]chainHead
}

// NewLedger creates a ledger rooted at dir
func NewLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create ledger directory", err)
	}
	return &Ledger{dir: dir, heads: make(map[string]chainHead)}, nil
}

// Path returns the ledger file of prdID
func (l *Ledger) Path(prdID string) string {
	return filepath.Join(l.dir, strings.ReplaceAll(prdID, "/", "__")+".ndjson")
}

// AppendMerge appends a merge record
func (l *Ledger) AppendMerge(rec MergeRecord) (Entry, error) {
	return l.append(rec.PRDID, Entry{Kind: KindMerge, Time: rec.MergedAt, Merge: &rec})
}

// AppendCheckpoint appends a checkpoint record
func (l *Ledger) AppendCheckpoint(cp CheckpointPR) (Entry, error) {
	return l.append(cp.PRDID, Entry{Kind: KindCheckpoint, Time: cp.CreatedAt, Checkpoint: &cp})
}

func (l *Ledger) append(prdID string, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, ok := l.heads[prdID]
	if !ok {
		entries, err := l.read(prdID)
		if err != nil {
			return Entry{}, err
		}
		if n := len(entries); n > 0 {
			head = chainHead{seq: entries[n-1].Seq, hash: entries[n-1].Hash}
		}
	}

	e.Seq = head.seq + 1
	e.PrevHash = head.hash
	hash, err := entryHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to encode ledger entry", err)
	}

	f, err := os.OpenFile(l.Path(prdID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Entry{}, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to open ledger", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to append ledger entry", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to sync ledger", err)
	}

	l.heads[prdID] = chainHead{seq: e.Seq, hash: e.Hash}
	return e, nil
}

// Entries returns every entry of prdID in append order. A missing ledger is
// empty.
func (l *Ledger) Entries(prdID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(prdID)
}

func (l *Ledger) read(prdID string) ([]Entry, error) {
	f, err := os.Open(l.Path(prdID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to open ledger", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, errors.Wrap(errors.ErrCodeLedgerCorrupt,
				fmt.Sprintf("ledger %s line %d is not valid JSON", prdID, lineNo), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read ledger", err)
	}
	return entries, nil
}

// Verify recomputes the hash chain of prdID and reports the first entry that
// does not match
func (l *Ledger) Verify(prdID string) error {
	entries, err := l.Entries(prdID)
	if err != nil {
		return err
	}

	prev := ""
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return errors.Newf(errors.ErrCodeLedgerCorrupt, "ledger %s: entry %d has sequence %d", prdID, i+1, e.Seq)
		}
		if e.PrevHash != prev {
			return errors.Newf(errors.ErrCodeLedgerCorrupt, "ledger %s: entry %d breaks the hash chain", prdID, e.Seq)
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return errors.Newf(errors.ErrCodeLedgerCorrupt, "ledger %s: entry %d was modified", prdID, e.Seq).
				WithSuggestion("The ledger is append-only; restore it from version control or a backup")
		}
		prev = e.Hash
	}
	return nil
}

func entryHash(e Entry) (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeLedgerCorrupt, "failed to encode ledger entry", err)
	}
	hasher := blake3.New()
	_, _ = hasher.Write([]byte(e.PrevHash))
	_, _ = hasher.Write(data)
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
