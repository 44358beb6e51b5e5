package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "scan", "scans", "quota", "serve", "worker", "account", "project"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "localrank", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestScanCommand_Flags(t *testing.T) {
	for _, name := range []string{"project", "keyword", "lat", "lng", "grid", "radius", "layout", "depth", "async", "wait"} {
		require.NotNil(t, scanCmd.Flags().Lookup(name), "scan command should have --%s flag", name)
	}
	assert.Equal(t, "5", scanCmd.Flags().Lookup("grid").DefValue)
	assert.Equal(t, "square", scanCmd.Flags().Lookup("layout").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestQuotaCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range quotaCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["status"])
	assert.True(t, names["purchase"])
	assert.Equal(t, "heatmap", quotaPurchaseCmd.Flags().Lookup("meter").DefValue)
}

func TestScansCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range scansCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "export"} {
		assert.True(t, names[name], "expected scans subcommand %q", name)
	}
}
