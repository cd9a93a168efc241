package cmd

import (
	"bytes"
	"context"
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mockPasswords(t testing.TB, passwords ...string) {
	t.Helper()
	passwordIndex := 0
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}
	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
}

// executeInit runs `init` with the given stdin, returning its output
func executeInit(t testing.TB, stdin string) string {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetIn(nil)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	output := out.String()
	t.Logf("output: %s", output)
	return output
}

func openTestStore(t testing.TB, dbPath string) guildhall.Store {
	t.Helper()
	ctx := context.Background()
	storeCfg := guildhall.DefaultConfig()
	storeCfg.DatabaseType = "sqlite"
	storeCfg.Database = dbPath
	store, err := guildhall.OpenStore(ctx, storeCfg, tint.NewHandler(io.Discard, nil))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = store.Close(ctx)
		},
	)
	return store
}

func TestInitCommand(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("GH_DATABASE_TYPE", "sqlite")
	t.Setenv("GH_DATABASE", dbPath)

	mockPasswords(t, "testkey", "wrongkey", "testkey", "testkey")
	output := executeInit(t, "123456789012345678\n")

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	assert.Contains(t, output, "Bridge key is not set. Let's set it up.")
	assert.Contains(t, output, "Enter bridge key")
	assert.Contains(t, output, "Confirm bridge key:")
	assert.Contains(t, output, "Keys do not match. Please try again.")
	assert.Contains(t, output, "Bridge key set successfully")
	assert.Contains(t, output, "Added 123456789012345678 as a bot owner.")
	assert.Contains(t, output, "Initialization complete")

	store := openTestStore(t, dbPath)
	ctx := context.Background()

	settings, err := store.BotSettings(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, settings.APIKeyHash)
	assert.NotEqual(t, "testkey", settings.APIKeyHash)

	valid, err := guildhall.VerifyBridgeKey(ctx, store, "testkey")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = guildhall.VerifyBridgeKey(ctx, store, "wrongkey")
	require.NoError(t, err)
	assert.False(t, valid)

	owners, err := store.BotOwners(ctx)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "123456789012345678", owners[0].UserID)
}

func TestInitCommandGeneratesKey(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("GH_DATABASE_TYPE", "sqlite")
	t.Setenv("GH_DATABASE", dbPath)

	mockPasswords(t, "")
	output := executeInit(t, "\n")

	assert.Contains(t, output, "Generated bridge key")
	assert.NotContains(t, output, "Added")

	var generated string
	for _, line := range strings.Split(output, "\n") {
		if _, after, found := strings.Cut(line, "GH_BRIDGE_KEY for the bot and dashboard): "); found {
			generated = strings.TrimSpace(after)
		}
	}
	require.Len(t, generated, 64)

	store := openTestStore(t, dbPath)
	valid, err := guildhall.VerifyBridgeKey(context.Background(), store, generated)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestInitCommandKeyFromEnv(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("GH_DATABASE_TYPE", "sqlite")
	t.Setenv("GH_DATABASE", dbPath)
	t.Setenv("GH_BRIDGE_KEY", "envkey")

	mockPasswords(t)
	output := executeInit(t, "")
	assert.Contains(t, output, "Using the bridge key from GH_BRIDGE_KEY.")
	assert.NotContains(t, output, "Enter bridge key")

	// A second run leaves the stored key alone
	output = executeInit(t, "")
	assert.Contains(t, output, "Bridge key is already set.")

	store := openTestStore(t, dbPath)
	valid, err := guildhall.VerifyBridgeKey(context.Background(), store, "envkey")
	require.NoError(t, err)
	assert.True(t, valid)
}
