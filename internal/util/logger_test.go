package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_WritesDailyFile(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	dir := t.TempDir()
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Directory: dir}))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	matches, err := filepath.Glob(filepath.Join(dir, "tablelink_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "logger initialized")
}

func TestInitLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	require.NoError(t, InitLogger(LogConfig{Level: "loud"}))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestCleanOldLogs_KeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"tablelink_2026-01-01.log",
		"tablelink_2026-01-02.log",
		"tablelink_2026-01-03.log",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	cleanOldLogs(dir, 2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"tablelink_2026-01-02.log", "tablelink_2026-01-03.log", "notes.txt"}, names)
}
