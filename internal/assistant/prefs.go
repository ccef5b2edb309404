package assistant

import (
	"errors"
	"fmt"

	"assistcal/internal/calerr"
	appLog "assistcal/internal/log"
	"assistcal/internal/preference"
)

// Preferences loads the preference file. Without a configured path the
// built-in defaults are returned.
func (s *Service) Preferences() (*preference.File, error) {
	if s.opt.PreferencesPath == "" {
		return preference.DefaultFile(), nil
	}
	f, err := preference.Load(s.opt.PreferencesPath)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return f, nil
}

// SavePreferences replaces the preference file as a whole.
func (s *Service) SavePreferences(f *preference.File) error {
	if s.opt.PreferencesPath == "" {
		return fmt.Errorf("no preferences path configured")
	}
	if err := f.Validate(); err != nil {
		return calerr.Inputf("preferences: %v", err)
	}
	if err := preference.Save(s.opt.PreferencesPath, f); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	appLog.Info("preferences saved", "rules", len(f.Rules))
	return nil
}

// UpdatePreference patches the rule holding keyword, or appends a new one,
// and persists the result.
func (s *Service) UpdatePreference(keyword string, patch preference.Patch) (*preference.File, bool, error) {
	f, err := s.Preferences()
	if err != nil {
		return nil, false, err
	}
	rules, updated, err := preference.Upsert(f.Rules, keyword, patch)
	if err != nil {
		if errors.Is(err, calerr.ErrInvalidRule) {
			return nil, false, err
		}
		return nil, false, calerr.Inputf("%v", err)
	}
	f.Rules = rules
	if err := s.SavePreferences(f); err != nil {
		return nil, false, err
	}
	return f, updated, nil
}
