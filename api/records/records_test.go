package records_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bihealth/hpc-access-cli/api/records"
)

func TestResourceDataSet(t *testing.T) {
	t.Parallel()

	var rd records.ResourceData
	require.NoError(t, rd.Set(records.ResourceTier1Work, 1.5))
	require.NoError(t, rd.Set(records.ResourceTier1Scratch, 10))
	require.NoError(t, rd.Set(records.ResourceTier2Mirrored, 0.5))
	require.NoError(t, rd.Set(records.ResourceTier2Unmirrored, 2))
	assert.Equal(t, records.ResourceData{
		Tier1Work:       1.5,
		Tier1Scratch:    10,
		Tier2Mirrored:   0.5,
		Tier2Unmirrored: 2,
	}, rd)

	assert.Error(t, rd.Set(records.ResourceTier1Home, 1))
	assert.Error(t, rd.Set("bogus", 1))
}

func TestResourceDataUserSet(t *testing.T) {
	t.Parallel()

	var rd records.ResourceDataUser
	require.NoError(t, rd.Set(records.ResourceTier1Home, 0.25))
	assert.Equal(t, 0.25, rd.Tier1Home)
	assert.Error(t, rd.Set(records.ResourceTier1Work, 1))
}

// The portal state is keyed by UUID; make sure the maps survive a JSON
// round trip since state dumps are consumed by other tooling.
func TestHpcAccessStateJSONKeys(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("2f9e1a3c-1234-4b6a-9a3e-000000000001")
	state := records.HpcAccessState{
		HpcUsers: map[uuid.UUID]*records.HpcUser{
			id: {
				UUID:     id,
				FullName: "Jane Doe",
				Username: "doej",
				UID:      2000,
				Status:   records.StatusActive,
			},
		},
		HpcGroups:   map[uuid.UUID]*records.HpcGroup{},
		HpcProjects: map[uuid.UUID]*records.HpcProject{},
	}

	raw, err := json.Marshal(&state)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"2f9e1a3c-1234-4b6a-9a3e-000000000001"`)

	var decoded records.HpcAccessState
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded.HpcUsers, id)
	assert.Equal(t, "doej", decoded.HpcUsers[id].Username)
	assert.Equal(t, records.StatusActive, decoded.HpcUsers[id].Status)
}
