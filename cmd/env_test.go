package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/store"
)

func TestBuildEnv_NoRetailers(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "env.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	env, err := buildEnv(&config.Config{}, st)
	require.NoError(t, err)
	assert.Nil(t, env.Orchestrator)
	assert.NotNil(t, env.Monitor)
}

func TestBuildEnv_InvalidRetailer(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "env.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = buildEnv(&config.Config{Retailers: []config.RetailerConfig{{Name: "x", Kind: "bogus"}}}, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build retailers")
}

func TestInitStore(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "init.db")}}
	st, err := openStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}
	_, err = initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}
