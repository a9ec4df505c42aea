package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"go.uber.org/zap"
)

const fileExt = ".json"

// Persistence handles the disk I/O for day ledgers. Each day lives in
// <DataDir>/YYYY/MM/DD.json as a JSON array of records.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	logger  *zap.Logger
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string, logger *zap.Logger) (*Persistence, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Ensure the data directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.New(errs.KindPersistence, "create data dir", err)
	}
	return &Persistence{DataDir: dir, logger: logger}, nil
}

// PathFor returns the file that holds d.
func (p *Persistence) PathFor(d Day) string {
	return filepath.Join(p.DataDir, d.Path()+fileExt)
}

// Flush writes the ledger's current records and returns the file path.
func (p *Persistence) Flush(l *Ledger) (string, error) {
	return p.Save(l.Date(), l.Records())
}

// Save writes records for d. Missing year/month directories are created
// first. The file is written to a temporary sibling and renamed into place.
func (p *Persistence) Save(d Day, records []Record) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if records == nil {
		records = []Record{}
	}

	filePath := p.PathFor(d)
	tempPath := filePath + ".tmp"

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", errs.New(errs.KindPersistence, "create day dir", err)
	}

	bytes, err := json.Marshal(records)
	if err != nil {
		return "", errs.New(errs.KindPersistence, "encode "+d.Key(), err)
	}

	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return "", errs.New(errs.KindPersistence, "write "+tempPath, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return "", errs.New(errs.KindPersistence, "rename "+tempPath, err)
	}
	return filePath, nil
}

// Load reads the records persisted for year/month/day.
func (p *Persistence) Load(year, month, day int) ([]Record, error) {
	d, err := NewDay(year, month, day)
	if err != nil {
		return nil, err
	}
	return p.LoadDay(d)
}

// LoadDay reads the records persisted for d. A missing file is a NotFound
// error and undecodable content a Parse error.
func (p *Persistence) LoadDay(d Day) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	content, err := os.ReadFile(p.PathFor(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindNotFound, "load "+d.Key(), err)
		}
		return nil, errs.New(errs.KindPersistence, "load "+d.Key(), err)
	}

	var records []Record
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, errs.New(errs.KindParse, "load "+d.Key(), err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Quarantine moves an unreadable day file aside so a fresh ledger can be
// written in its place. It returns the new name.
func (p *Persistence) Quarantine(d Day, now time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src := p.PathFor(d)
	dst := fmt.Sprintf("%s.corrupt-%d", src, now.UnixMilli())
	if err := os.Rename(src, dst); err != nil {
		return "", errs.New(errs.KindPersistence, "quarantine "+src, err)
	}
	return dst, nil
}

// Days lists every persisted day, oldest first. Entries that do not follow
// the YYYY/MM/DD.json layout are skipped.
func (p *Persistence) Days() ([]Day, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var days []Day
	err := filepath.WalkDir(p.DataDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != fileExt {
			return nil
		}

		rel, err := filepath.Rel(p.DataDir, path)
		if err != nil {
			return nil
		}
		d, ok := parseDayPath(rel)
		if !ok {
			p.logger.Warn("skipping unexpected file in data dir", zap.String("path", rel))
			return nil
		}
		days = append(days, d)
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindPersistence, "list days", err)
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func parseDayPath(rel string) (Day, bool) {
	parts := strings.Split(filepath.ToSlash(strings.TrimSuffix(rel, fileExt)), "/")
	if len(parts) != 3 {
		return Day{}, false
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Day{}, false
		}
		nums[i] = n
	}
	d, err := NewDay(nums[0], nums[1], nums[2])
	if err != nil {
		return Day{}, false
	}
	return d, true
}
