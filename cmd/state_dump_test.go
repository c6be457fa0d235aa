package cmd

import (
	"os"
	"path/filepath"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bihealth/hpc-access-cli/api/records"
)

func TestStateDumpWritesState(t *testing.T) {
	setupCommand(t)
	directory, storage, _ := driftedSystemFixture()
	installSystemFakes(directory, storage, &fakePortal{})

	out, errOut, err := runCommand(t, "state-dump", "-c", writeConfigFile(t))
	require.NoError(t, err)

	// Settings echo goes to stderr, secrets masked.
	assert.Contains(t, errOut, `"server_host": "ldap.example.org"`)
	assert.Contains(t, errOut, `"**********"`)
	assert.NotContains(t, errOut, "ldap-pass")

	var state records.HpcAccessState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	require.Len(t, state.HpcUsers, 1)
	require.Len(t, state.HpcGroups, 1)
	assert.Empty(t, state.HpcProjects)
	for _, user := range state.HpcUsers {
		assert.Equal(t, "doej", user.Username)
		assert.Equal(t, 2000, user.UID)
		assert.Equal(t, records.StatusActive, user.Status)
	}
	for _, group := range state.HpcGroups {
		assert.Equal(t, "doe", group.Name)
		assert.Equal(t, "Doe lab", *group.Description)
	}
}

func TestStateDumpWritesToFile(t *testing.T) {
	setupCommand(t)
	directory, storage, _ := driftedSystemFixture()
	installSystemFakes(directory, storage, &fakePortal{})

	outPath := filepath.Join(t.TempDir(), "state.json")
	out, _, err := runCommand(t, "state-dump", "-c", writeConfigFile(t), "-o", outPath)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var state records.HpcAccessState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Len(t, state.HpcUsers, 1)
}

func TestStateDumpRejectsUnknownFormat(t *testing.T) {
	setupCommand(t)
	directory, storage, _ := driftedSystemFixture()
	installSystemFakes(directory, storage, &fakePortal{})

	_, _, err := runCommand(t, "state-dump", "-c", writeConfigFile(t), "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format: yaml")
}
