package ledger

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IndexKey is where the export index lives in the object store.
const IndexKey = "hounfour/ledger/index.json"

// ObjectStore is the narrow port for archive uploads. Concrete
// implementations (directory-backed, remote) are selected at startup.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// DirObjectStore stores objects as files under a root directory. It is the
// local fallback; it trades cross-process durability for availability.
type DirObjectStore struct {
	Root string
}

func (d *DirObjectStore) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(d.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (d *DirObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(key)))
}

// IndexEntry describes one exported archive.
type IndexEntry struct {
	TenantID   string `json:"tenant_id"`
	File       string `json:"file"`
	Key        string `json:"key"`
	SHA256     string `json:"sha256"`
	SizeBytes  int    `json:"size_bytes"`
	ExportedAt string `json:"exported_at"`
}

// ExportIndex is the content of IndexKey.
type ExportIndex struct {
	Entries []IndexEntry `json:"entries"`
}

// Exporter uploads rotated ledger files: gzip-compressed, SHA-256
// checksummed, indexed under IndexKey.
type Exporter struct {
	mu     sync.Mutex
	ledger *Ledger
	store  ObjectStore
	logger *log.Logger
}

// NewExporter wires an exporter to a ledger and an object store.
func NewExporter(l *Ledger, store ObjectStore) *Exporter {
	return &Exporter{
		ledger: l,
		store:  store,
		logger: log.New(log.Writer(), "[LEDGER-EXPORT] ", log.LstdFlags),
	}
}

// ExportTenant uploads every rotated archive for the tenant that is not yet
// indexed. Returns the number of files uploaded.
func (x *Exporter) ExportTenant(ctx context.Context, tenantID string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	archives, err := x.ledger.ArchiveFiles(tenantID)
	if err != nil {
		return 0, err
	}
	if len(archives) == 0 {
		return 0, nil
	}

	index, err := x.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	indexed := make(map[string]bool, len(index.Entries))
	for _, e := range index.Entries {
		indexed[e.TenantID+"/"+e.File] = true
	}

	exported := 0
	for _, name := range archives {
		if indexed[tenantID+"/"+name] {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(x.ledger.tenantDir(tenantID), name))
		if err != nil {
			return exported, fmt.Errorf("export: read archive %s: %w", name, err)
		}

		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return exported, fmt.Errorf("export: gzip %s: %w", name, err)
		}
		if err := gz.Close(); err != nil {
			return exported, fmt.Errorf("export: gzip close %s: %w", name, err)
		}

		sum := sha256.Sum256(buf.Bytes())
		key := fmt.Sprintf("hounfour/ledger/%s/%s.gz", tenantID, name)
		if err := x.store.Put(ctx, key, buf.Bytes()); err != nil {
			return exported, fmt.Errorf("export: upload %s: %w", key, err)
		}

		index.Entries = append(index.Entries, IndexEntry{
			TenantID:   tenantID,
			File:       name,
			Key:        key,
			SHA256:     hex.EncodeToString(sum[:]),
			SizeBytes:  buf.Len(),
			ExportedAt: time.Now().UTC().Format(time.RFC3339),
		})
		exported++
		x.logger.Printf("exported %s/%s (%d bytes gz)", tenantID, name, buf.Len())
	}

	if exported > 0 {
		if err := x.saveIndex(ctx, index); err != nil {
			return exported, err
		}
	}
	return exported, nil
}

// ExportAll runs ExportTenant for every tenant present on disk and
// returns the total number of files uploaded.
func (x *Exporter) ExportAll(ctx context.Context) (int, error) {
	tenants, err := x.ledger.Tenants()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenantID := range tenants {
		n, err := x.ExportTenant(ctx, tenantID)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (x *Exporter) loadIndex(ctx context.Context) (*ExportIndex, error) {
	raw, err := x.store.Get(ctx, IndexKey)
	if err != nil {
		// Missing index means nothing exported yet.
		return &ExportIndex{}, nil
	}
	var index ExportIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("export: corrupt index: %w", err)
	}
	return &index, nil
}

func (x *Exporter) saveIndex(ctx context.Context, index *ExportIndex) error {
	raw, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("export: marshal index: %w", err)
	}
	return x.store.Put(ctx, IndexKey, raw)
}
