package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/ports"
)

const preferencesKey = "ocr_preferences"

// OnChangeFunc is called when preferences are updated.
type OnChangeFunc func(prefs domain.OCRPreferences)

// SettingsStore holds the user's OCR preferences and persists them as one
// JSON document. A nil repository keeps them in memory only.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	repo     ports.SettingsRepository
	prefs    domain.OCRPreferences
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved preferences, falling back to (and saving) defaults.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo ports.SettingsRepository) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		repo:   repo,
		prefs:  domain.DefaultPreferences(),
	}
	if repo == nil {
		return store, nil
	}

	prefs, err := store.load(ctx)
	if err != nil {
		logger.Warn("no saved ocr preferences found, using defaults", "error", err)
		if err := store.save(ctx, store.prefs); err != nil {
			return nil, fmt.Errorf("failed to save default preferences: %w", err)
		}
		return store, nil
	}

	store.prefs = prefs
	return store, nil
}

// OnChange registers a callback for when preferences are updated.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *SettingsStore) GetPreferences() domain.OCRPreferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePreferences(s.prefs)
}

// UpdatePreferences validates, persists and then notifies listeners.
func (s *SettingsStore) UpdatePreferences(ctx context.Context, update domain.OCRPreferences) error {
	if err := update.Validate(); err != nil {
		return err
	}
	update = clonePreferences(update)

	s.mu.Lock()
	if s.repo != nil {
		if err := s.save(ctx, update); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.prefs = update
	callbacks := append([]OnChangeFunc{}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info("ocr preferences updated",
		"languages", update.Languages,
		"output_pdfa", update.OutputPDFA,
		"output_folder", update.OutputFolder,
	)

	for _, fn := range callbacks {
		fn(clonePreferences(update))
	}
	return nil
}

// ResetPreferences restores and persists the default preferences.
func (s *SettingsStore) ResetPreferences(ctx context.Context) (domain.OCRPreferences, error) {
	defaults := domain.DefaultPreferences()
	if err := s.UpdatePreferences(ctx, defaults); err != nil {
		return domain.OCRPreferences{}, err
	}
	return defaults, nil
}

func (s *SettingsStore) load(ctx context.Context) (domain.OCRPreferences, error) {
	raw, err := s.repo.GetSetting(ctx, preferencesKey)
	if err != nil {
		return domain.OCRPreferences{}, err
	}

	var prefs domain.OCRPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return domain.OCRPreferences{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	if err := prefs.Validate(); err != nil {
		return domain.OCRPreferences{}, err
	}
	return prefs, nil
}

func (s *SettingsStore) save(ctx context.Context, prefs domain.OCRPreferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	return s.repo.SaveSetting(ctx, preferencesKey, string(raw))
}

func clonePreferences(p domain.OCRPreferences) domain.OCRPreferences {
	p.Languages = append([]string{}, p.Languages...)
	return p
}
