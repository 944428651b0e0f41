package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

const (
	indexFile      = "_index.json"
	activityFile   = "_activity.json"
	legacyFile     = "tasks.json"
	legacyMigrated = "tasks.json.migrated"
)

// indexEntry is the per-issue row in _index.json.
type indexEntry struct {
	Status    string       `json:"status"`
	Priority  int          `json:"priority"`
	Title     string       `json:"title"`
	IssueType v1.IssueType `json:"issue_type"`
	Labels    []string     `json:"labels,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
	Assignee  string       `json:"assignee,omitempty"`
}

// atomicWriteJSON writes v pretty-printed with a trailing newline via a
// temp file and rename. The temp file is discarded on any failure.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return storeIO("marshal "+filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixMilli())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return storeIO("write "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return storeIO("rename "+filepath.Base(path), err)
	}
	return nil
}

// removeIssueFile deletes an issue file, tolerating its absence.
func removeIssueFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storeIO("remove "+filepath.Base(path), err)
	}
	return nil
}

// issuePath returns the on-disk path of an issue file.
func (s *Store) issuePath(id string) string {
	return filepath.Join(s.cfg.Dir, id+".json")
}

// writeIssueFile persists one issue, embedding its agent log when present.
func (s *Store) writeIssueFile(iss *v1.Issue) error {
	return atomicWriteJSON(s.issuePath(iss.ID), iss)
}

// writeIndex persists the id -> summary index.
func (s *Store) writeIndex() error {
	index := make(map[string]indexEntry, len(s.issues))
	for id, iss := range s.issues {
		index[id] = indexEntry{
			Status:    iss.Status,
			Priority:  iss.Priority,
			Title:     iss.Title,
			IssueType: iss.IssueType,
			Labels:    iss.Labels,
			UpdatedAt: iss.UpdatedAt,
			Assignee:  iss.Assignee,
		}
	}
	return atomicWriteJSON(filepath.Join(s.cfg.Dir, indexFile), index)
}

// writeActivity persists the activity log.
func (s *Store) writeActivity() error {
	return atomicWriteJSON(filepath.Join(s.cfg.Dir, activityFile), s.activity)
}

// load reads the full store state from disk. Absent files are treated as
// empty; an unavailable backing directory is fatal.
func (s *Store) load() error {
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return storeIO("mkdir "+s.cfg.Dir, err)
	}

	if err := s.migrateLegacy(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return storeIO("readdir "+s.cfg.Dir, err)
	}

	s.issues = make(map[string]*v1.Issue)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		if name == indexFile || name == activityFile || name == legacyFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.Dir, name))
		if err != nil {
			return storeIO("read "+name, err)
		}
		var iss v1.Issue
		if err := json.Unmarshal(data, &iss); err != nil {
			return storeIO("parse "+name, err)
		}
		if iss.ID == "" {
			iss.ID = name[:len(name)-len(".json")]
		}
		s.issues[iss.ID] = &iss
		for _, c := range iss.Comments {
			if c.ID > s.commentSeq {
				s.commentSeq = c.ID
			}
		}
	}

	s.loadActivity()
	return nil
}

// loadActivity reads _activity.json. Parse errors fall back to an empty
// log; the per-issue files remain authoritative.
func (s *Store) loadActivity() {
	s.activity = nil
	data, err := os.ReadFile(filepath.Join(s.cfg.Dir, activityFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("activity log unreadable, starting empty", zap.Error(err))
		}
		return
	}
	if err := json.Unmarshal(data, &s.activity); err != nil {
		s.log.Warn("activity log corrupt, starting empty", zap.Error(err))
		s.activity = nil
	}
}

// migrateLegacy splits a monolithic tasks.json into per-issue files and
// renames it to tasks.json.migrated. The migration is atomic per file; the
// rename happens last so a crash mid-migration re-runs it idempotently.
func (s *Store) migrateLegacy() error {
	legacyPath := filepath.Join(s.cfg.Dir, legacyFile)
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return storeIO("read "+legacyFile, err)
	}

	var issues []*v1.Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		// Older sessions stored a map keyed by id.
		var byID map[string]*v1.Issue
		if err2 := json.Unmarshal(data, &byID); err2 != nil {
			return storeIO("parse "+legacyFile, err)
		}
		for id, iss := range byID {
			if iss.ID == "" {
				iss.ID = id
			}
			issues = append(issues, iss)
		}
	}

	for _, iss := range issues {
		if iss == nil || iss.ID == "" {
			continue
		}
		if err := atomicWriteJSON(s.issuePath(iss.ID), iss); err != nil {
			return err
		}
	}

	if err := os.Rename(legacyPath, filepath.Join(s.cfg.Dir, legacyMigrated)); err != nil {
		return storeIO("rename "+legacyFile, err)
	}
	s.log.Info("migrated legacy task file",
		zap.Int("issues", len(issues)),
		zap.String("path", legacyPath))
	return nil
}
