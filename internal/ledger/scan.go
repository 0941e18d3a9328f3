package ledger

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Scanner yields ledger entries lazily across the tenant's rotated archives
// and active file, in append order. Lines failing CRC32 are skipped with a
// warning; a torn trailing line is tolerated.
type Scanner struct {
	paths   []string
	logger  *log.Logger
	file    *os.File
	reader  *bufio.Scanner
	pathIdx int
	entry   EntryV2
	err     error
	done    bool
}

// ScanEntries opens a restartable scan over everything appended for the
// tenant. The returned Scanner must be closed.
func (l *Ledger) ScanEntries(tenantID string) (*Scanner, error) {
	archives, err := l.ArchiveFiles(tenantID)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, name := range archives {
		paths = append(paths, filepath.Join(l.tenantDir(tenantID), name))
	}
	if _, err := os.Stat(l.activePath(tenantID)); err == nil {
		paths = append(paths, l.activePath(tenantID))
	}

	return &Scanner{paths: paths, logger: l.logger}, nil
}

// Next advances to the next valid entry. Returns false at end of data or on
// a fatal I/O error (check Err).
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	for {
		if s.reader == nil {
			if !s.openNext() {
				return false
			}
		}
		for s.reader.Scan() {
			line := s.reader.Bytes()
			if len(line) == 0 {
				continue
			}
			var e EntryV2
			if err := json.Unmarshal(line, &e); err != nil {
				// A torn line mid-file is corruption worth noting; at the
				// very end of the active file it is an interrupted append.
				s.logger.Printf("skipping unparseable ledger line: %v", err)
				continue
			}
			if !e.VerifyChecksum() {
				s.logger.Printf("skipping ledger line with CRC mismatch (trace=%s)", e.TraceID)
				continue
			}
			s.entry = e
			return true
		}
		if err := s.reader.Err(); err != nil && err != io.EOF {
			s.err = err
			s.done = true
			s.closeFile()
			return false
		}
		s.closeFile()
		s.reader = nil
	}
}

func (s *Scanner) openNext() bool {
	for s.pathIdx < len(s.paths) {
		path := s.paths[s.pathIdx]
		s.pathIdx++
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.err = err
			s.done = true
			return false
		}
		s.file = f
		r := bufio.NewScanner(f)
		r.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		s.reader = r
		return true
	}
	s.done = true
	return false
}

// Entry returns the current entry. Valid only after Next returned true.
func (s *Scanner) Entry() EntryV2 { return s.entry }

// Err returns the first fatal error seen, if any.
func (s *Scanner) Err() error { return s.err }

// Close releases the underlying file handle.
func (s *Scanner) Close() {
	s.closeFile()
	s.done = true
}

func (s *Scanner) closeFile() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}
