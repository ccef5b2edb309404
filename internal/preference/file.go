package preference

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"assistcal/internal/recurrence"
)

var (
	errEmptyKeyword = errors.New("preference keyword is empty")
	errNegative     = errors.New("preference minutes must not be negative")
)

// File is the persisted shape of the preference list: the defaults plus the
// ordered rules.
type File struct {
	Defaults Rule   `yaml:"defaults" json:"defaults"`
	Rules    []Rule `yaml:"patterns" json:"patterns"`
}

// DefaultFile is the content used before anything has been learned.
func DefaultFile() *File {
	return &File{Defaults: DefaultRule(), Rules: []Rule{}}
}

// Load reads the preference file at path. A missing file yields
// DefaultFile without creating anything on disk.
func Load(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("preferences path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultFile(), nil
		}
		return nil, err
	}

	f := DefaultFile()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	if f.Rules == nil {
		f.Rules = []Rule{}
	}
	return f, nil
}

// Save rewrites the whole file atomically (temp file + rename, 0600).
func Save(path string, f *File) error {
	if path == "" {
		return errors.New("preferences path is empty")
	}
	if f == nil {
		return errors.New("preferences are nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".assistcal-prefs-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Validate checks every rule: at least one non-empty keyword, no negative
// minutes, and a parseable recurrence template.
func (f *File) Validate() error {
	for i, r := range append([]Rule{f.Defaults}, f.Rules...) {
		name := "defaults"
		if i > 0 {
			name = fmt.Sprintf("rule %d", i-1)
			if !slices.ContainsFunc(r.Match, func(k string) bool { return strings.TrimSpace(k) != "" }) {
				return fmt.Errorf("%s: %w", name, errEmptyKeyword)
			}
		}
		if r.DurationMinutes < 0 || r.ReminderMinutes < 0 {
			return fmt.Errorf("%s: %w", name, errNegative)
		}
		if r.Recurrence != "" {
			if _, err := recurrence.Parse(strings.TrimPrefix(r.Recurrence, "RRULE:")); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}
