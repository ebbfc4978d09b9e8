package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwa-demo/calfit/internal/config"
	"github.com/mwa-demo/calfit/internal/model"
)

func TestOpenStore_None(t *testing.T) {
	st, err := openStore(context.Background(), &config.Config{Store: config.StoreConfig{Driver: config.DriverNone}})
	require.NoError(t, err)
	assert.Nil(t, st)
	closeStore(st)
}

func TestOpenStore_SQLite(t *testing.T) {
	ctx := context.Background()
	c := &config.Config{Store: config.StoreConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "calfit.db"),
	}}

	st, err := openStore(ctx, c)
	require.NoError(t, err)
	require.NotNil(t, st)
	defer closeStore(st)

	run, err := st.CreateRun(ctx, model.RunInput{Title: "opened"})
	require.NoError(t, err)
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "opened", got.Input.Title)
}

func TestOpenStore_Unsupported(t *testing.T) {
	_, err := openStore(context.Background(), &config.Config{Store: config.StoreConfig{Driver: "mysql"}})
	assert.ErrorContains(t, err, "unsupported store driver: mysql")
}
