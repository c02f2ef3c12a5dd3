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

	for _, name := range []string{"fill", "fill-field", "ingest", "runs"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "fieldfill", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	for _, name := range []string{"fill", "fill-field", "ingest", "runs"} {
		assert.Contains(t, rootCmd.Long, name)
	}
	assert.True(t, rootCmd.SilenceUsage)
}

func TestFillCommand_Flags(t *testing.T) {
	for _, name := range []string{"request", "record", "out"} {
		require.NotNil(t, fillCmd.Flags().Lookup(name), "fill should have --%s", name)
	}
	assert.Equal(t, "false", fillCmd.Flags().Lookup("record").DefValue)
}

func TestFillFieldCommand_Flags(t *testing.T) {
	require.NotNil(t, fillFieldCmd.Flags().Lookup("request"))
	require.NotNil(t, fillFieldCmd.Flags().Lookup("field"))
}

func TestIngestCommand_Flags(t *testing.T) {
	require.NotNil(t, ingestCmd.Flags().Lookup("file"))
	require.NotNil(t, ingestCmd.Flags().Lookup("domain"))
}

func TestRunsCommand_Flags(t *testing.T) {
	flag := runsCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)

	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["show"])
}
