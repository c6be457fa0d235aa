package state

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// -- Test Fixtures --

var (
	aliceUUID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bobUUID    = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	doeUUID    = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	genomeUUID = uuid.MustParse("00000000-0000-0000-0000-000000000004")
)

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

// testPortalState returns a small portal state with two users, one work
// group, and one project without an assigned GID.
func testPortalState() *records.HpcAccessState {
	state := records.NewHpcAccessState()
	state.HpcUsers[aliceUUID] = &records.HpcUser{
		UUID:         aliceUUID,
		PrimaryGroup: uuidPtr(doeUUID),
		FullName:     "Alice Doe",
		FirstName:    strPtr("Alice"),
		LastName:     strPtr("Doe"),
		Email:        strPtr("alice@example.org"),
		PhoneNumber:  strPtr("+49 30 1234"),
		Status:       records.StatusActive,
		UID:          2000,
		Username:     "alice",
	}
	state.HpcUsers[bobUUID] = &records.HpcUser{
		UUID:     bobUUID,
		FullName: "Bob Roe",
		Status:   records.StatusActive,
		UID:      2001,
		Username: "bob_m",
	}
	state.HpcGroups[doeUUID] = &records.HpcGroup{
		UUID:        doeUUID,
		Owner:       aliceUUID,
		Delegate:    uuidPtr(bobUUID),
		Description: strPtr("Doe lab"),
		Status:      records.StatusActive,
		GID:         intPtr(5000),
		Name:        "doe",
		ResourcesRequested: &records.ResourceData{
			Tier1Work:     1,
			Tier1Scratch:  2,
			Tier2Mirrored: 0.5,
		},
	}
	state.HpcProjects[genomeUUID] = &records.HpcProject{
		UUID:   genomeUUID,
		Group:  uuidPtr(doeUUID),
		Status: records.StatusActive,
		Name:   "genome",
		ResourcesRequested: &records.ResourceData{
			Tier1Work:    2,
			Tier1Scratch: 1,
		},
		Members: []uuid.UUID{aliceUUID},
	}
	return state
}

// testSystemState returns a gathered state whose highest GID determines
// what the builder assigns next.
func testSystemState() *records.SystemState {
	system := records.NewSystemState()
	system.LdapGroups["hpc-ag-doe"] = &records.LdapGroup{
		CN:        "hpc-ag-doe",
		DN:        "cn=hpc-ag-doe,ou=Teams,ou=Groups,dc=hpc,dc=bihealth,dc=org",
		GIDNumber: intPtr(5000),
	}
	system.LdapUsers["alice"] = &records.LdapUser{
		CN:        "Alice Doe",
		DN:        "cn=Alice Doe,ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org",
		UID:       "alice",
		UIDNumber: 2000,
		GIDNumber: intPtr(1005269),
	}
	return system
}

func setupBuilder(t *testing.T) (*TargetBuilder, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return NewTargetBuilder(testSystemState(), zap.New(core)), logs
}

// -- Test Cases: GID Assignment --

func TestNextFreeGID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1005270, nextFreeGID(testSystemState()))
	assert.Equal(t, 1000, nextFreeGID(records.NewSystemState()))
}

// -- Test Cases: LDAP Groups --

func TestBuildLdapGroups(t *testing.T) {
	builder, _ := setupBuilder(t)
	hpc := testPortalState()

	target := builder.Build(hpc)

	group := target.LdapGroups["hpc-ag-doe"]
	require.NotNil(t, group)
	assert.Equal(t, "cn=hpc-ag-doe,ou=Teams,ou=Groups,dc=hpc,dc=bihealth,dc=org", group.DN)
	require.NotNil(t, group.GIDNumber)
	assert.Equal(t, 5000, *group.GIDNumber)
	require.NotNil(t, group.Description)
	assert.Equal(t, "Doe lab", *group.Description)
	require.NotNil(t, group.OwnerDN)
	assert.Equal(t, "cn=Alice Doe,ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org", *group.OwnerDN)
	assert.Equal(t, []string{"cn=Bob Roe,ou=MDC,ou=Users,dc=hpc,dc=bihealth,dc=org"}, group.DelegateDNs)
	assert.Empty(t, group.MemberUIDs)

	project := target.LdapGroups["hpc-prj-genome"]
	require.NotNil(t, project)
	assert.Equal(t, "cn=hpc-prj-genome,ou=Projects,ou=Groups,dc=hpc,dc=bihealth,dc=org", project.DN)
	require.NotNil(t, project.GIDNumber)
	assert.Equal(t, 1005270, *project.GIDNumber)
	require.NotNil(t, project.OwnerDN)
	assert.Equal(t, "cn=Alice Doe,ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org", *project.OwnerDN)

	// The assigned GID is written back to the portal record.
	require.NotNil(t, hpc.HpcProjects[genomeUUID].GID)
	assert.Equal(t, 1005270, *hpc.HpcProjects[genomeUUID].GID)
}

func TestBuildHpcUsersGroup(t *testing.T) {
	builder, _ := setupBuilder(t)

	target := builder.Build(testPortalState())

	group := target.LdapGroups[records.HpcUsersGroup]
	require.NotNil(t, group)
	assert.Equal(t, "cn=hpc-users,ou=Groups,dc=hpc,dc=bihealth,dc=org", group.DN)
	require.NotNil(t, group.GIDNumber)
	assert.Equal(t, records.HpcUsersGID, *group.GIDNumber)
	// Only alice can log in, bob has no primary group and falls back to
	// the alumni GID.
	assert.Equal(t, []string{"alice"}, group.MemberUIDs)
}

// -- Test Cases: LDAP Users --

func TestBuildLdapUsers(t *testing.T) {
	builder, _ := setupBuilder(t)

	target := builder.Build(testPortalState())

	alice := target.LdapUsers["alice"]
	require.NotNil(t, alice)
	assert.Equal(t, "cn=Alice Doe,ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org", alice.DN)
	assert.Equal(t, "Alice Doe", alice.CN)
	require.NotNil(t, alice.GIDNumber)
	assert.Equal(t, 5000, *alice.GIDNumber)
	assert.Equal(t, "/data/cephfs-1/home/users/alice", alice.HomeDirectory)
	assert.Equal(t, "/usr/bin/bash", alice.LoginShell)
	assert.Empty(t, alice.SSHPublicKeys)
	require.NotNil(t, alice.Gecos)
	assert.Equal(t, "Alice Doe,,+49 30 1234,,", alice.Gecos.String())

	bob := target.LdapUsers["bob_m"]
	require.NotNil(t, bob)
	assert.Equal(t, "cn=Bob Roe,ou=MDC,ou=Users,dc=hpc,dc=bihealth,dc=org", bob.DN)
	require.NotNil(t, bob.GIDNumber)
	assert.Equal(t, records.HpcAlumnisGID, *bob.GIDNumber)
}

// -- Test Cases: Directories --

func TestBuildFsDirectories(t *testing.T) {
	builder, _ := setupBuilder(t)

	target := builder.Build(testPortalState())
	dirs := target.FsDirectories

	require.Len(t, dirs, 9)

	home := dirs["/data/cephfs-1/home/users/alice"]
	require.NotNil(t, home)
	assert.Equal(t, "alice", home.OwnerName)
	assert.Equal(t, 2000, home.OwnerUID)
	assert.Equal(t, "doe", home.GroupName)
	assert.Equal(t, 5000, home.GroupGID)
	assert.Equal(t, "drwx--S---", home.Perms)
	require.NotNil(t, home.QuotaBytes)
	assert.Equal(t, int64(1<<30), *home.QuotaBytes)

	bobHome := dirs["/data/cephfs-1/home/users/bob_m"]
	require.NotNil(t, bobHome)
	assert.Equal(t, records.HpcAlumnisGroup, bobHome.GroupName)
	assert.Equal(t, records.HpcAlumnisGID, bobHome.GroupGID)

	work := dirs["/data/cephfs-1/work/groups/ag-doe"]
	require.NotNil(t, work)
	assert.Equal(t, "alice", work.OwnerName)
	assert.Equal(t, "doe", work.GroupName)
	assert.Equal(t, 5000, work.GroupGID)
	assert.Equal(t, "drwxrwS---", work.Perms)
	require.NotNil(t, work.QuotaBytes)
	assert.Equal(t, int64(1<<40), *work.QuotaBytes)

	scratch := dirs["/data/cephfs-1/scratch/groups/ag-doe"]
	require.NotNil(t, scratch)
	require.NotNil(t, scratch.QuotaBytes)
	assert.Equal(t, int64(2<<40), *scratch.QuotaBytes)

	groupHome := dirs["/data/cephfs-1/home/groups/ag-doe"]
	require.NotNil(t, groupHome)
	require.NotNil(t, groupHome.QuotaBytes)
	assert.Equal(t, int64(1<<30), *groupHome.QuotaBytes)

	mirrored := dirs["/data/cephfs-2/mirrored/groups/ag-doe"]
	require.NotNil(t, mirrored)
	require.NotNil(t, mirrored.QuotaBytes)
	assert.Equal(t, int64(1<<39), *mirrored.QuotaBytes)
	assert.NotContains(t, dirs, "/data/cephfs-2/unmirrored/groups/ag-doe")

	projectWork := dirs["/data/cephfs-1/work/projects/genome"]
	require.NotNil(t, projectWork)
	assert.Equal(t, "genome", projectWork.GroupName)
	assert.Equal(t, 1005270, projectWork.GroupGID)
	require.NotNil(t, projectWork.QuotaBytes)
	assert.Equal(t, int64(2<<40), *projectWork.QuotaBytes)
	assert.Contains(t, dirs, "/data/cephfs-1/scratch/projects/genome")
	assert.Contains(t, dirs, "/data/cephfs-1/home/projects/genome")
}

func TestBuildSkipsGroupWithoutTierOneQuota(t *testing.T) {
	builder, logs := setupBuilder(t)
	hpc := testPortalState()
	hpc.HpcGroups[doeUUID].ResourcesRequested = &records.ResourceData{Tier1Scratch: 2}

	target := builder.Build(hpc)

	for path := range target.FsDirectories {
		assert.NotContains(t, path, "groups/ag-doe")
	}
	assert.Zero(t, logs.FilterMessage("group has no resources requested, skipping").Len())
}

func TestBuildWarnsOnMissingResourceRequest(t *testing.T) {
	builder, logs := setupBuilder(t)
	hpc := testPortalState()
	hpc.HpcGroups[doeUUID].ResourcesRequested = nil

	target := builder.Build(hpc)

	for path := range target.FsDirectories {
		assert.NotContains(t, path, "groups/ag-doe")
	}
	assert.Equal(t, 1, logs.FilterMessage("group has no resources requested, skipping").Len())
}

func TestBuildSkipsGroupWithDanglingOwner(t *testing.T) {
	builder, logs := setupBuilder(t)
	hpc := testPortalState()
	hpc.HpcGroups[doeUUID].Owner = uuid.MustParse("00000000-0000-0000-0000-00000000dead")

	target := builder.Build(hpc)

	assert.NotContains(t, target.LdapGroups, "hpc-ag-doe")
	for path := range target.FsDirectories {
		assert.NotContains(t, path, "groups/ag-doe")
		assert.NotContains(t, path, "projects/genome")
	}
	// The project entry survives without an owner DN, its owner chain
	// runs through the broken group.
	project := target.LdapGroups["hpc-prj-genome"]
	require.NotNil(t, project)
	assert.Nil(t, project.OwnerDN)
	assert.GreaterOrEqual(t, logs.FilterMessage("owner of group not found, skipping").Len(), 1)
}
