package state

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// -- Test Setup Helpers --

// fakeSystem serves canned LDAP and file system records.
type fakeSystem struct {
	users     []*records.LdapUser
	groups    []*records.LdapGroup
	dirs      []*records.FsDirectory
	groupsErr error
}

func (f *fakeSystem) LoadUsers() ([]*records.LdapUser, error)          { return f.users, nil }
func (f *fakeSystem) LoadGroups() ([]*records.LdapGroup, error)        { return f.groups, f.groupsErr }
func (f *fakeSystem) LoadDirectories() ([]*records.FsDirectory, error) { return f.dirs, nil }

// fakePortal serves canned portal records and records usage updates.
type fakePortal struct {
	users    []*records.HpcUser
	groups   []*records.HpcGroup
	projects []*records.HpcProject
	loadErr  error

	updatedUsers    []uuid.UUID
	updatedGroups   []uuid.UUID
	updatedProjects []uuid.UUID
	updateErr       error
}

func (f *fakePortal) LoadUsers(context.Context) ([]*records.HpcUser, error) {
	return f.users, f.loadErr
}

func (f *fakePortal) LoadGroups(context.Context) ([]*records.HpcGroup, error) {
	return f.groups, nil
}

func (f *fakePortal) LoadProjects(context.Context) ([]*records.HpcProject, error) {
	return f.projects, nil
}

func (f *fakePortal) UpdateUserResourcesUsed(_ context.Context, user *records.HpcUser) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updatedUsers = append(f.updatedUsers, user.UUID)
	return nil
}

func (f *fakePortal) UpdateGroupResourcesUsed(_ context.Context, group *records.HpcGroup) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updatedGroups = append(f.updatedGroups, group.UUID)
	return nil
}

func (f *fakePortal) UpdateProjectResourcesUsed(_ context.Context, project *records.HpcProject) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updatedProjects = append(f.updatedProjects, project.UUID)
	return nil
}

// -- Test Cases: Gathering --

func TestGatherSystemState(t *testing.T) {
	t.Parallel()
	fake := &fakeSystem{
		users:  []*records.LdapUser{{UID: "alice"}, {UID: "bob"}},
		groups: []*records.LdapGroup{{CN: "hpc-ag-doe"}},
		dirs:   []*records.FsDirectory{{Path: "/data/cephfs-1/home/users/alice"}},
	}

	system, err := GatherSystemState(fake, fake, zap.NewNop())

	require.NoError(t, err)
	assert.Len(t, system.LdapUsers, 2)
	assert.Same(t, fake.users[0], system.LdapUsers["alice"])
	assert.Same(t, fake.groups[0], system.LdapGroups["hpc-ag-doe"])
	assert.Same(t, fake.dirs[0], system.FsDirectories["/data/cephfs-1/home/users/alice"])
}

func TestGatherSystemStateError(t *testing.T) {
	// A failing loader must not leave the sibling loaders running.
	defer goleak.VerifyNone(t)
	fake := &fakeSystem{groupsErr: errors.New("ldap unreachable")}

	system, err := GatherSystemState(fake, fake, zap.NewNop())

	require.Error(t, err)
	assert.Nil(t, system)
	assert.Contains(t, err.Error(), "ldap unreachable")
}

func TestGatherHpcAccessState(t *testing.T) {
	t.Parallel()
	fake := &fakePortal{
		users:    []*records.HpcUser{{UUID: aliceUUID, Username: "alice"}},
		groups:   []*records.HpcGroup{{UUID: doeUUID, Name: "doe"}},
		projects: []*records.HpcProject{{UUID: genomeUUID, Name: "genome"}},
	}

	hpc, err := GatherHpcAccessState(context.Background(), fake, zap.NewNop())

	require.NoError(t, err)
	assert.Same(t, fake.users[0], hpc.HpcUsers[aliceUUID])
	assert.Same(t, fake.groups[0], hpc.HpcGroups[doeUUID])
	assert.Same(t, fake.projects[0], hpc.HpcProjects[genomeUUID])
}

func TestGatherHpcAccessStateError(t *testing.T) {
	defer goleak.VerifyNone(t)
	fake := &fakePortal{loadErr: errors.New("portal down")}

	hpc, err := GatherHpcAccessState(context.Background(), fake, zap.NewNop())

	require.Error(t, err)
	assert.Nil(t, hpc)
}

// -- Test Cases: Usage Deployment --

func TestDeployUsage(t *testing.T) {
	t.Parallel()
	fake := &fakePortal{}
	hpc := records.NewHpcAccessState()
	hpc.HpcUsers[aliceUUID] = &records.HpcUser{UUID: aliceUUID}
	hpc.HpcGroups[doeUUID] = &records.HpcGroup{UUID: doeUUID}
	hpc.HpcProjects[genomeUUID] = &records.HpcProject{UUID: genomeUUID}

	err := DeployUsage(context.Background(), fake, hpc, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{aliceUUID}, fake.updatedUsers)
	assert.Equal(t, []uuid.UUID{doeUUID}, fake.updatedGroups)
	assert.Equal(t, []uuid.UUID{genomeUUID}, fake.updatedProjects)
}

func TestDeployUsageError(t *testing.T) {
	t.Parallel()
	fake := &fakePortal{updateErr: errors.New("patch rejected")}
	hpc := records.NewHpcAccessState()
	hpc.HpcUsers[aliceUUID] = &records.HpcUser{UUID: aliceUUID}

	err := DeployUsage(context.Background(), fake, hpc, zap.NewNop())

	require.Error(t, err)
	assert.Empty(t, fake.updatedUsers)
}
