// Package state gathers the LDAP, file system, and hpc-access portal
// states, derives the desired system state from the portal records, and
// computes the operations that reconcile the two.
package state

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// DirectoryClient loads accounts and groups from the LDAP directory.
type DirectoryClient interface {
	LoadUsers() ([]*records.LdapUser, error)
	LoadGroups() ([]*records.LdapGroup, error)
}

// StorageTree loads the managed directories from the storage tree.
type StorageTree interface {
	LoadDirectories() ([]*records.FsDirectory, error)
}

// PortalClient is the part of the hpc-access REST API that the state
// engine consumes.
type PortalClient interface {
	LoadUsers(ctx context.Context) ([]*records.HpcUser, error)
	LoadGroups(ctx context.Context) ([]*records.HpcGroup, error)
	LoadProjects(ctx context.Context) ([]*records.HpcProject, error)
	UpdateUserResourcesUsed(ctx context.Context, user *records.HpcUser) error
	UpdateGroupResourcesUsed(ctx context.Context, group *records.HpcGroup) error
	UpdateProjectResourcesUsed(ctx context.Context, project *records.HpcProject) error
}

// GatherSystemState loads users, groups, and directories concurrently and
// keys them by username, common name, and path.
func GatherSystemState(directory DirectoryClient, storage StorageTree, logger *zap.Logger) (*records.SystemState, error) {
	var (
		users       []*records.LdapUser
		groups      []*records.LdapGroup
		directories []*records.FsDirectory
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		users, err = directory.LoadUsers()
		return err
	})
	g.Go(func() error {
		var err error
		groups, err = directory.LoadGroups()
		return err
	})
	g.Go(func() error {
		var err error
		directories, err = storage.LoadDirectories()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &records.SystemState{
		LdapUsers:     make(map[string]*records.LdapUser, len(users)),
		LdapGroups:    make(map[string]*records.LdapGroup, len(groups)),
		FsDirectories: make(map[string]*records.FsDirectory, len(directories)),
	}
	for _, user := range users {
		result.LdapUsers[user.UID] = user
	}
	for _, group := range groups {
		result.LdapGroups[group.CN] = group
	}
	for _, directory := range directories {
		result.FsDirectories[directory.Path] = directory
	}
	logger.Info("gathered system state",
		zap.Int("ldap_users", len(result.LdapUsers)),
		zap.Int("ldap_groups", len(result.LdapGroups)),
		zap.Int("fs_directories", len(result.FsDirectories)))
	return result, nil
}

// GatherHpcAccessState loads users, groups, and projects from the portal
// concurrently and keys them by record UUID.
func GatherHpcAccessState(ctx context.Context, portal PortalClient, logger *zap.Logger) (*records.HpcAccessState, error) {
	var (
		users    []*records.HpcUser
		groups   []*records.HpcGroup
		projects []*records.HpcProject
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = portal.LoadUsers(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		groups, err = portal.LoadGroups(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		projects, err = portal.LoadProjects(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := records.NewHpcAccessState()
	for _, user := range users {
		result.HpcUsers[user.UUID] = user
	}
	for _, group := range groups {
		result.HpcGroups[group.UUID] = group
	}
	for _, project := range projects {
		result.HpcProjects[project.UUID] = project
	}
	logger.Info("gathered hpc-access state",
		zap.Int("hpc_users", len(result.HpcUsers)),
		zap.Int("hpc_groups", len(result.HpcGroups)),
		zap.Int("hpc_projects", len(result.HpcProjects)))
	return result, nil
}

// DeployUsage writes the resources_used values of every portal record back
// to the hpc-access API.
func DeployUsage(ctx context.Context, portal PortalClient, hpc *records.HpcAccessState, logger *zap.Logger) error {
	logger.Info("deploying resource usage to hpc-access",
		zap.Int("hpc_users", len(hpc.HpcUsers)),
		zap.Int("hpc_groups", len(hpc.HpcGroups)),
		zap.Int("hpc_projects", len(hpc.HpcProjects)))
	for _, user := range hpc.HpcUsers {
		if err := portal.UpdateUserResourcesUsed(ctx, user); err != nil {
			return err
		}
	}
	for _, group := range hpc.HpcGroups {
		if err := portal.UpdateGroupResourcesUsed(ctx, group); err != nil {
			return err
		}
	}
	for _, project := range hpc.HpcProjects {
		if err := portal.UpdateProjectResourcesUsed(ctx, project); err != nil {
			return err
		}
	}
	return nil
}

// sortedKeys returns the keys of a string-keyed map in sorted order so
// that derived states and operation lists come out deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
