package cmd

import (
	"bytes"
	"encoding/json"
	"github.com/arcward/guildhall/guildhall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"testing"
)

func executeCommands(t testing.TB, args ...string) []byte {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"commands"}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.Bytes()
}

func commandNames(info []guildhall.CommandInfo) map[string]guildhall.CommandInfo {
	names := make(map[string]guildhall.CommandInfo, len(info))
	for _, c := range info {
		names[c.Name] = c
	}
	return names
}

func TestCommandsYAML(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	out := executeCommands(t)

	var info []guildhall.CommandInfo
	require.NoError(t, yaml.Unmarshal(out, &info))
	names := commandNames(info)
	for _, name := range []string{"help", "balance", "daily", "warn", "suggest", "prefix"} {
		assert.Containsf(t, names, name, "missing command %q", name)
	}
	assert.Equal(t, "economy", names["balance"].Category)
}

func TestCommandsJSON(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	out := executeCommands(t, "--format", "json")

	var info []guildhall.CommandInfo
	require.NoError(t, json.Unmarshal(out, &info))

	expected, err := guildhall.BuiltinCommandInfo()
	require.NoError(t, err)
	require.Len(t, info, len(expected))
	for i, c := range expected {
		assert.Equal(t, c.Name, info[i].Name)
		assert.Equal(t, c.Usage, info[i].Usage)
	}
}

func TestCommandsUnknownFormat(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	rootCmd.SetArgs([]string{"commands", "--format", "toml"})
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.ErrOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "unknown format")
}
