package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSettingsRepo struct {
	mock.Mock
}

func (m *mockSettingsRepo) GetSetting(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *mockSettingsRepo) SaveSetting(ctx context.Context, key string, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSettingsStore_DefaultsSavedWhenMissing(t *testing.T) {
	repo := new(mockSettingsRepo)
	repo.On("GetSetting", mock.Anything, preferencesKey).Return("", errors.New("setting not found"))
	repo.On("SaveSetting", mock.Anything, preferencesKey, mock.AnythingOfType("string")).Return(nil)

	store, err := NewSettingsStore(context.Background(), discardLogger(), repo)
	require.NoError(t, err)

	assert.Equal(t, domain.DefaultPreferences(), store.GetPreferences())
	repo.AssertExpectations(t)
}

func TestSettingsStore_LoadsSavedPreferences(t *testing.T) {
	repo := new(mockSettingsRepo)
	repo.On("GetSetting", mock.Anything, preferencesKey).
		Return(`{"languages":["fra"],"output_pdfa":false,"compress":true}`, nil)

	store, err := NewSettingsStore(context.Background(), discardLogger(), repo)
	require.NoError(t, err)

	prefs := store.GetPreferences()
	assert.Equal(t, []string{"fra"}, prefs.Languages)
	assert.False(t, prefs.OutputPDFA)
	assert.True(t, prefs.Compress)
	repo.AssertNotCalled(t, "SaveSetting", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettingsStore_UpdatePreferences(t *testing.T) {
	repo := new(mockSettingsRepo)
	repo.On("GetSetting", mock.Anything, preferencesKey).Return(`{"languages":["eng"]}`, nil)
	repo.On("SaveSetting", mock.Anything, preferencesKey, mock.AnythingOfType("string")).Return(nil)

	store, err := NewSettingsStore(context.Background(), discardLogger(), repo)
	require.NoError(t, err)

	var notified domain.OCRPreferences
	store.OnChange(func(p domain.OCRPreferences) { notified = p })

	update := domain.OCRPreferences{Languages: []string{"por"}, Deskew: true, OutputFolder: "/tmp/out"}
	require.NoError(t, store.UpdatePreferences(context.Background(), update))

	assert.Equal(t, update, store.GetPreferences())
	assert.Equal(t, update, notified)
	repo.AssertCalled(t, "SaveSetting", mock.Anything, preferencesKey, mock.MatchedBy(func(v string) bool {
		return assert.ObjectsAreEqual(`{"languages":["por"],"output_pdfa":false,"rotate_pages":false,"deskew":true,"force_ocr":false,"clean":false,"compress":false,"output_folder":"/tmp/out"}`, v)
	}))
}

func TestSettingsStore_ResetPreferences(t *testing.T) {
	repo := new(mockSettingsRepo)
	repo.On("GetSetting", mock.Anything, preferencesKey).Return(`{"languages":["pol"],"compress":true}`, nil)
	repo.On("SaveSetting", mock.Anything, preferencesKey, mock.AnythingOfType("string")).Return(nil)

	store, err := NewSettingsStore(context.Background(), discardLogger(), repo)
	require.NoError(t, err)
	require.Equal(t, []string{"pol"}, store.GetPreferences().Languages)

	prefs, err := store.ResetPreferences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPreferences(), prefs)
	assert.Equal(t, domain.DefaultPreferences(), store.GetPreferences())
	repo.AssertNumberOfCalls(t, "SaveSetting", 1)
}

func TestSettingsStore_RejectsInvalidPreferences(t *testing.T) {
	store, err := NewSettingsStore(context.Background(), discardLogger(), nil)
	require.NoError(t, err)

	err = store.UpdatePreferences(context.Background(), domain.OCRPreferences{Languages: []string{"eng --sidecar"}})
	assert.ErrorIs(t, err, domain.ErrInvalidPreferences)

	err = store.UpdatePreferences(context.Background(), domain.OCRPreferences{OutputFolder: "relative/dir"})
	assert.ErrorIs(t, err, domain.ErrInvalidPreferences)

	assert.Equal(t, domain.DefaultPreferences(), store.GetPreferences())
}

func TestSettingsStore_SaveFailureKeepsPrevious(t *testing.T) {
	repo := new(mockSettingsRepo)
	repo.On("GetSetting", mock.Anything, preferencesKey).Return(`{"languages":["eng"]}`, nil)
	repo.On("SaveSetting", mock.Anything, preferencesKey, mock.Anything).Return(errors.New("disk full"))

	store, err := NewSettingsStore(context.Background(), discardLogger(), repo)
	require.NoError(t, err)

	err = store.UpdatePreferences(context.Background(), domain.OCRPreferences{Languages: []string{"deu"}})
	require.Error(t, err)
	assert.Equal(t, []string{"eng"}, store.GetPreferences().Languages)
}

func TestSettingsStore_GetPreferencesReturnsCopy(t *testing.T) {
	store, err := NewSettingsStore(context.Background(), discardLogger(), nil)
	require.NoError(t, err)

	prefs := store.GetPreferences()
	prefs.Languages[0] = "xxx"

	assert.Equal(t, "eng", store.GetPreferences().Languages[0])
}
