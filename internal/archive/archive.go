// Package archive exports monthly ledger slices to compressed archives,
// enforces retention, and restores archives back into the store.
package archive

import (
	"compress/gzip"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/ledgerworks/dexjournal/internal/ledger"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// archiveNamePattern matches the archive filename grammar:
// ledger_user_{uint}_{YYYYMM}.csv.gz or ledger_user_{uint}_{YYYYMMDD}_{HHMMSS}.csv.gz.
var archiveNamePattern = regexp.MustCompile(`^ledger_user_(\d+)_(\d{6}|\d{8}_\d{6})\.csv\.gz$`)

// verifyLines is how many leading rows verification re-reads.
const verifyLines = 10

// Archiver owns the archive directory.
type Archiver struct {
	store         *storage.Storage
	dir           string
	baseCurrency  string
	retentionDays int
	minKept       int
	log           *logging.Logger
	now           func() time.Time
}

// Config holds archiver configuration.
type Config struct {
	Dir           string
	BaseCurrency  string
	RetentionDays int // archives older than this are deleted
	MinKept       int // most-recent archives always kept per user
}

// New creates an archiver.
func New(store *storage.Storage, cfg *Config, log *logging.Logger) (*Archiver, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 730
	}
	return &Archiver{
		store:         store,
		dir:           cfg.Dir,
		baseCurrency:  cfg.BaseCurrency,
		retentionDays: retention,
		minKept:       cfg.MinKept,
		log:           log.Component("archive"),
		now:           time.Now,
	}, nil
}

// SetClock overrides the archiver's clock. Tests only.
func (a *Archiver) SetClock(now func() time.Time) {
	a.now = now
}

// ArchivePath returns the deterministic path for a user's monthly archive.
func (a *Archiver) ArchivePath(userID int64, year int, month time.Month) string {
	return filepath.Join(a.dir, fmt.Sprintf("ledger_user_%d_%04d%02d.csv.gz", userID, year, month))
}

// ArchiveMonth exports one user's entries for a calendar month, gzipped.
// Returns the archive path and row count; zero rows writes nothing.
func (a *Archiver) ArchiveMonth(userID int64, year int, month time.Month) (string, int, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	entries, err := a.store.ListEntries(storage.EntryFilter{UserID: userID, From: start, To: end})
	if err != nil {
		return "", 0, err
	}
	if len(entries) == 0 {
		return "", 0, nil
	}

	path := a.ArchivePath(userID, year, month)
	err = ledger.WriteFileAtomic(path, func(w io.Writer) error {
		gz := gzip.NewWriter(w)
		if err := ledger.WriteCSV(gz, entries, a.baseCurrency); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	})
	if err != nil {
		return "", 0, err
	}

	a.log.Info("Month archived", "user", userID, "period", fmt.Sprintf("%04d-%02d", year, month), "rows", len(entries))
	return path, len(entries), nil
}

// RunMonthly archives the prior calendar month for every user that has
// entries in it, then runs the retention scan. Returns the archives written.
func (a *Archiver) RunMonthly() ([]string, error) {
	now := a.now().UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prior := firstOfMonth.AddDate(0, 0, -1)
	year, month := prior.Year(), prior.Month()

	users, err := a.store.ListUsers()
	if err != nil {
		return nil, err
	}

	var written []string
	for _, user := range users {
		path, count, err := a.ArchiveMonth(user.ID, year, month)
		if err != nil {
			return written, err
		}
		if count > 0 {
			if err := a.Verify(path); err != nil {
				return written, fmt.Errorf("archive verification failed for %s: %w", path, err)
			}
			written = append(written, path)
		}
	}

	if _, err := a.RetentionScan(); err != nil {
		return written, err
	}
	return written, nil
}

// Verify re-reads the header and leading rows of an archive and checks the
// column shape.
func (a *Archiver) Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("archive is not valid gzip: %w", err)
	}
	defer gz.Close()

	cr := csv.NewReader(gz)
	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("failed to read archive header: %w", err)
	}
	if len(header) != len(ledger.CSVHeader) {
		return fmt.Errorf("archive header has %d columns, expected %d", len(header), len(ledger.CSVHeader))
	}

	for i := 0; i < verifyLines; i++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive row %d: %w", i+1, err)
		}
		if _, err := ledger.RecordToEntry(record); err != nil {
			return fmt.Errorf("archive row %d is malformed: %w", i+1, err)
		}
	}
	return nil
}

// archiveInfo is one parsed archive filename.
type archiveInfo struct {
	path   string
	userID int64
	period string
}

func (a *Archiver) listArchives() ([]archiveInfo, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}
	var infos []archiveInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := archiveNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		uid, _ := strconv.ParseInt(m[1], 10, 64)
		infos = append(infos, archiveInfo{
			path:   filepath.Join(a.dir, e.Name()),
			userID: uid,
			period: m[2],
		})
	}
	return infos, nil
}

// RetentionScan deletes archives older than the retention window, always
// preserving the most recent minKept archives per user regardless of age.
// Returns the paths deleted.
func (a *Archiver) RetentionScan() ([]string, error) {
	infos, err := a.listArchives()
	if err != nil {
		return nil, err
	}

	byUser := make(map[int64][]archiveInfo)
	for _, info := range infos {
		byUser[info.userID] = append(byUser[info.userID], info)
	}

	cutoff := a.now().AddDate(0, 0, -a.retentionDays)
	var deleted []string

	for _, group := range byUser {
		// Period strings sort chronologically; newest last.
		sort.Slice(group, func(i, j int) bool { return group[i].period < group[j].period })

		removable := len(group) - a.minKept
		for _, info := range group {
			if removable <= 0 {
				break
			}
			st, err := os.Stat(info.path)
			if err != nil {
				continue
			}
			if st.ModTime().Before(cutoff) {
				if err := os.Remove(info.path); err != nil {
					return deleted, fmt.Errorf("failed to delete archive %s: %w", info.path, err)
				}
				deleted = append(deleted, info.path)
				removable--
			}
		}
	}

	if len(deleted) > 0 {
		a.log.Info("Retention scan removed archives", "count", len(deleted))
	}
	return deleted, nil
}

// RestoreResult summarizes one restore run.
type RestoreResult struct {
	Read     int
	Inserted int
	Skipped  int
}

// Restore ingests an archive, skipping rows whose trace id already exists.
// The user id is taken from the archive filename.
func (a *Archiver) Restore(path string) (*RestoreResult, error) {
	m := archiveNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, fmt.Errorf("archive name %q does not match the expected grammar", filepath.Base(path))
	}
	userID, _ := strconv.ParseInt(m[1], 10, 64)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("archive is not valid gzip: %w", err)
	}
	defer gz.Close()

	cr := csv.NewReader(gz)
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("failed to read archive header: %w", err)
	}

	result := &RestoreResult{}
	var toInsert []*storage.LedgerEntry
	seen := make(map[string]bool)

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive row: %w", err)
		}
		result.Read++

		entry, err := ledger.RecordToEntry(record)
		if err != nil {
			return nil, fmt.Errorf("malformed archive row %d: %w", result.Read, err)
		}
		entry.UserID = userID

		if !seen[entry.TraceID] {
			count, err := a.store.TraceIDCount(entry.TraceID)
			if err != nil {
				return nil, err
			}
			seen[entry.TraceID] = count > 0
		}
		if seen[entry.TraceID] {
			result.Skipped++
			continue
		}
		toInsert = append(toInsert, entry)
	}

	if len(toInsert) > 0 {
		err = a.store.WithTx(func(tx *sql.Tx) error {
			for _, entry := range toInsert {
				if err := storage.InsertEntryTx(tx, entry); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		result.Inserted = len(toInsert)
	}

	a.log.Info("Archive restored", "path", path, "read", result.Read,
		"inserted", result.Inserted, "skipped", result.Skipped)
	return result, nil
}
