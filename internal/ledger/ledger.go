package ledger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSizeMB rotates the active file once it reaches 50 MB.
	DefaultMaxSizeMB = 50
	// DefaultMaxAgeDays rotates the active file once it is 30 days old.
	DefaultMaxAgeDays = 30

	activeFileName = "ledger.jsonl"
)

// Options configures a Ledger.
type Options struct {
	BaseDir    string
	MaxSizeMB  int
	MaxAgeDays int
	Fsync      bool // fsync after each append
}

// Ledger is the per-tenant append-only cost ledger. Appends under one
// tenant are totally ordered; readers may lag.
type Ledger struct {
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	tenants map[string]*tenantState
}

type tenantState struct {
	mu       sync.Mutex
	openedAt time.Time // birth of the active file, for age-based rotation
}

// New creates a ledger rooted at opts.BaseDir.
func New(opts Options) (*Ledger, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("ledger: BaseDir is required")
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = DefaultMaxAgeDays
	}
	if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create base dir: %w", err)
	}
	return &Ledger{
		opts:    opts,
		logger:  log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		tenants: make(map[string]*tenantState),
	}, nil
}

func (l *Ledger) tenantDir(tenantID string) string {
	return filepath.Join(l.opts.BaseDir, tenantID)
}

func (l *Ledger) activePath(tenantID string) string {
	return filepath.Join(l.tenantDir(tenantID), activeFileName)
}

func (l *Ledger) state(tenantID string) *tenantState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tenants[tenantID]
	if !ok {
		st = &tenantState{}
		if info, err := os.Stat(l.activePath(tenantID)); err == nil {
			st.openedAt = info.ModTime()
		}
		l.tenants[tenantID] = st
	}
	return st
}

// Append stamps the CRC and writes the entry as one line, rotating first if
// the active file is over size or age. Serialized per tenant.
func (l *Ledger) Append(tenantID string, entry EntryV2) error {
	if tenantID == "" {
		return fmt.Errorf("ledger: tenant id is required")
	}

	sum, err := entry.Checksum()
	if err != nil {
		return err
	}
	entry.CRC32 = sum

	line, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}

	st := l.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.MkdirAll(l.tenantDir(tenantID), 0o755); err != nil {
		return fmt.Errorf("ledger: create tenant dir: %w", err)
	}

	if err := l.maybeRotateLocked(tenantID, st); err != nil {
		return err
	}

	f, err := os.OpenFile(l.activePath(tenantID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open active file: %w", err)
	}
	defer f.Close()

	if st.openedAt.IsZero() {
		st.openedAt = time.Now()
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	if l.opts.Fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("ledger: fsync: %w", err)
		}
	}
	return nil
}

// maybeRotateLocked rotates the active file when it exceeds the size or age
// limit. Caller holds the tenant lock.
func (l *Ledger) maybeRotateLocked(tenantID string, st *tenantState) error {
	path := l.activePath(tenantID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: stat active file: %w", err)
	}

	overSize := info.Size() >= int64(l.opts.MaxSizeMB)*1024*1024
	overAge := !st.openedAt.IsZero() &&
		time.Since(st.openedAt) >= time.Duration(l.opts.MaxAgeDays)*24*time.Hour
	if !overSize && !overAge {
		return nil
	}

	archive, err := l.nextArchiveName(tenantID)
	if err != nil {
		return err
	}
	if err := os.Rename(path, filepath.Join(l.tenantDir(tenantID), archive)); err != nil {
		return fmt.Errorf("ledger: rotate: %w", err)
	}
	st.openedAt = time.Time{}
	l.logger.Printf("rotated %s/%s -> %s (size=%dB overAge=%v)",
		tenantID, activeFileName, archive, info.Size(), overAge)
	return nil
}

// nextArchiveName returns ledger-YYYY-MM-DD-NNN.jsonl with NNN monotonic
// within the day.
func (l *Ledger) nextArchiveName(tenantID string) (string, error) {
	day := time.Now().UTC().Format("2006-01-02")
	prefix := "ledger-" + day + "-"

	entries, err := os.ReadDir(l.tenantDir(tenantID))
	if err != nil {
		return "", fmt.Errorf("ledger: list archives: %w", err)
	}

	seq := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".jsonl"), "%d", &n); err == nil && n > seq {
			seq = n
		}
	}
	return fmt.Sprintf("%s%03d.jsonl", prefix, seq+1), nil
}

// ArchiveFiles lists rotated files for a tenant in name (= chronological)
// order. The active file is excluded.
func (l *Ledger) ArchiveFiles(tenantID string) ([]string, error) {
	entries, err := os.ReadDir(l.tenantDir(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: list archives: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "ledger-") && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Tenants lists every tenant with a ledger directory on disk.
func (l *Ledger) Tenants() ([]string, error) {
	entries, err := os.ReadDir(l.opts.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: list tenants: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Recompute scans everything (archives then active file) and returns the
// total micro-cost and entry count.
func (l *Ledger) Recompute(tenantID string) (totalMicro int64, count int, err error) {
	sc, err := l.ScanEntries(tenantID)
	if err != nil {
		return 0, 0, err
	}
	defer sc.Close()

	for sc.Next() {
		e := sc.Entry()
		v, perr := e.TotalMicro()
		if perr != nil {
			l.logger.Printf("skipping entry with malformed total (tenant=%s trace=%s): %v",
				tenantID, e.TraceID, perr)
			continue
		}
		totalMicro += v
		count++
	}
	return totalMicro, count, sc.Err()
}
