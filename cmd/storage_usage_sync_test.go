package cmd

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// usagePortalFixture returns a portal holding the records that match the
// drifted system state, with stale usage values that a sync must replace.
func usagePortalFixture() *fakePortal {
	return &fakePortal{
		users: []*records.HpcUser{{
			UUID:          uuid.New(),
			Username:      "doej",
			ResourcesUsed: &records.ResourceDataUser{Tier1Home: 9.5},
		}},
		groups: []*records.HpcGroup{{
			UUID:          uuid.New(),
			Name:          "doe",
			ResourcesUsed: &records.ResourceData{Tier1Work: 7.5},
		}},
	}
}

func TestStorageUsageSyncDryRunSkipsDeploy(t *testing.T) {
	setupCommand(t)
	directory, storage, _ := driftedSystemFixture()
	portal := usagePortalFixture()
	installSystemFakes(directory, storage, portal)

	_, _, err := runCommand(t, "storage-usage-sync", "-c", writeConfigFile(t))
	require.NoError(t, err)

	// Usage is recomputed in place but nothing is written back.
	assert.Empty(t, portal.updated)
	assert.Equal(t, 2.0, portal.users[0].ResourcesUsed.Tier1Home)
	assert.Equal(t, 0.0, portal.groups[0].ResourcesUsed.Tier1Work)
	assert.True(t, directory.closed)
	assert.True(t, portal.closed)
}

func TestStorageUsageSyncDeploysUsage(t *testing.T) {
	setupCommand(t)
	directory, storage, _ := driftedSystemFixture()
	portal := usagePortalFixture()
	installSystemFakes(directory, storage, portal)

	_, _, err := runCommand(t, "storage-usage-sync", "-c", writeConfigFile(t), "--dry-run=false")
	require.NoError(t, err)

	assert.Equal(t, []string{"user doej", "group doe"}, portal.updated)
	assert.Equal(t, 2.0, portal.users[0].ResourcesUsed.Tier1Home)
}

func TestStorageUsageSyncPushesRunMetrics(t *testing.T) {
	setupCommand(t)
	directory, storage, _ := driftedSystemFixture()
	installSystemFakes(directory, storage, usagePortalFixture())

	var (
		mu     sync.Mutex
		pushes []string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pushes = append(pushes, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	_, _, err := runCommand(t, "storage-usage-sync", "-c", writeConfigFile(t, withTelemetry(gateway.URL)))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushes, 1)
	assert.Contains(t, pushes[0], "/command/storage-usage-sync")
}
