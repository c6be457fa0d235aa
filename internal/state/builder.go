package state

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// TargetBuilder derives the desired LDAP and storage state from the
// hpc-access portal records. Groups and projects without a POSIX GID get
// the next free one assigned, so the builder is seeded with the currently
// gathered system state.
type TargetBuilder struct {
	logger  *zap.Logger
	nextGID int
}

// NewTargetBuilder creates a builder that assigns GIDs above the highest
// one currently known to the directory.
func NewTargetBuilder(system *records.SystemState, logger *zap.Logger) *TargetBuilder {
	b := &TargetBuilder{logger: logger, nextGID: nextFreeGID(system)}
	b.logger.Info("next available GID", zap.Int("gid", b.nextGID))
	return b
}

func nextFreeGID(system *records.SystemState) int {
	maxGID := 0
	found := false
	for _, group := range system.LdapGroups {
		if group.GIDNumber != nil {
			found = true
			if *group.GIDNumber > maxGID {
				maxGID = *group.GIDNumber
			}
		}
	}
	for _, user := range system.LdapUsers {
		if user.GIDNumber != nil {
			found = true
			if *user.GIDNumber > maxGID {
				maxGID = *user.GIDNumber
			}
		}
	}
	if !found {
		return 1000
	}
	return maxGID + 1
}

// Build derives the target system state from the portal records. Groups
// come first so that freshly assigned GIDs are in place when users and
// directories are derived; portal records are mutated to carry the
// assigned GIDs.
func (b *TargetBuilder) Build(hpc *records.HpcAccessState) *records.SystemState {
	ldapGroups := b.buildLdapGroups(hpc)
	ldapUsers := b.buildLdapUsers(hpc)

	members := []string{}
	for _, username := range sortedKeys(ldapUsers) {
		user := ldapUsers[username]
		if user.GIDNumber != nil && *user.GIDNumber != records.HpcAlumnisGID &&
			!strings.Contains(user.LoginShell, "nologin") {
			members = append(members, user.UID)
		}
	}
	ldapGroups[records.HpcUsersGroup] = &records.LdapGroup{
		DN:          "cn=hpc-users,ou=Groups,dc=hpc,dc=bihealth,dc=org",
		CN:          records.HpcUsersGroup,
		GIDNumber:   intPtr(records.HpcUsersGID),
		Description: strPtr("users allowed to login (active+have group)"),
		DelegateDNs: []string{},
		MemberUIDs:  members,
	}

	state := records.NewSystemState()
	state.LdapUsers = ldapUsers
	state.LdapGroups = ldapGroups
	state.FsDirectories = b.buildFsDirectories(hpc)
	return state
}

func (b *TargetBuilder) buildLdapGroups(hpc *records.HpcAccessState) map[string]*records.LdapGroup {
	result := map[string]*records.LdapGroup{}
	for _, group := range sortedRecords(hpc.HpcGroups, func(g *records.HpcGroup) string { return g.Name }) {
		if group.GID == nil {
			gid := b.nextGID
			b.nextGID++
			group.GID = &gid
		}
		owner, ok := hpc.HpcUsers[group.Owner]
		if !ok {
			b.logger.Warn("owner of group not found, skipping",
				zap.String("group", group.Name), zap.String("owner", group.Owner.String()))
			continue
		}
		cn := records.PosixAGPrefix + group.Name
		result[cn] = &records.LdapGroup{
			DN:          fmt.Sprintf("cn=%s,%s", cn, records.BaseDNGroups),
			CN:          cn,
			GIDNumber:   group.GID,
			Description: group.Description,
			OwnerDN:     strPtr(userDN(owner)),
			DelegateDNs: b.delegateDNs(hpc, group.Delegate, cn),
			MemberUIDs:  []string{},
		}
	}
	for _, project := range sortedRecords(hpc.HpcProjects, func(p *records.HpcProject) string { return p.Name }) {
		if project.GID == nil {
			gid := b.nextGID
			b.nextGID++
			project.GID = &gid
		}
		var ownerDN *string
		if project.Group != nil {
			if owner := b.projectOwner(hpc, project); owner != nil {
				ownerDN = strPtr(userDN(owner))
			}
		}
		cn := records.PosixProjectPrefix + project.Name
		result[cn] = &records.LdapGroup{
			DN:          fmt.Sprintf("cn=%s,%s", cn, records.BaseDNProjects),
			CN:          cn,
			GIDNumber:   project.GID,
			Description: project.Description,
			OwnerDN:     ownerDN,
			DelegateDNs: b.delegateDNs(hpc, project.Delegate, cn),
			MemberUIDs:  []string{},
		}
	}
	return result
}

// projectOwner resolves the owner of a project through its owning group.
func (b *TargetBuilder) projectOwner(hpc *records.HpcAccessState, project *records.HpcProject) *records.HpcUser {
	owningGroup, ok := hpc.HpcGroups[*project.Group]
	if !ok {
		b.logger.Warn("owning group of project not found",
			zap.String("project", project.Name), zap.String("group", project.Group.String()))
		return nil
	}
	owner, ok := hpc.HpcUsers[owningGroup.Owner]
	if !ok {
		b.logger.Warn("owner of project not found",
			zap.String("project", project.Name), zap.String("owner", owningGroup.Owner.String()))
		return nil
	}
	return owner
}

func (b *TargetBuilder) delegateDNs(hpc *records.HpcAccessState, delegate *uuid.UUID, cn string) []string {
	if delegate == nil {
		return []string{}
	}
	user, ok := hpc.HpcUsers[*delegate]
	if !ok {
		b.logger.Warn("delegate not found",
			zap.String("group", cn), zap.String("delegate", delegate.String()))
		return []string{}
	}
	return []string{userDN(user)}
}

func (b *TargetBuilder) buildLdapUsers(hpc *records.HpcAccessState) map[string]*records.LdapUser {
	result := map[string]*records.LdapUser{}
	for _, user := range sortedRecords(hpc.HpcUsers, func(u *records.HpcUser) string { return u.Username }) {
		gid := records.HpcAlumnisGID
		if user.PrimaryGroup != nil {
			if group, ok := hpc.HpcGroups[*user.PrimaryGroup]; ok && group.GID != nil {
				gid = *group.GID
			} else if !ok {
				b.logger.Warn("primary group of user not found",
					zap.String("username", user.Username), zap.String("group", user.PrimaryGroup.String()))
			}
		}
		result[user.Username] = &records.LdapUser{
			DN:        userDN(user),
			CN:        user.FullName,
			SN:        user.LastName,
			GivenName: user.FirstName,
			UID:       user.Username,
			Mail:      user.Email,
			Gecos: &records.Gecos{
				FullName:    strPtr(user.FullName),
				OfficePhone: user.PhoneNumber,
			},
			UIDNumber: user.UID,
			GIDNumber: intPtr(gid),
			// Home, shell, and SSH keys are managed on this side, the
			// portal values are not taken over.
			HomeDirectory: fmt.Sprintf("%s/home/users/%s", records.BasePathTier1, user.Username),
			LoginShell:    "/usr/bin/bash",
			SSHPublicKeys: []string{},
		}
	}
	return result
}

func (b *TargetBuilder) buildFsDirectories(hpc *records.HpcAccessState) map[string]*records.FsDirectory {
	result := map[string]*records.FsDirectory{}
	for _, user := range sortedRecords(hpc.HpcUsers, func(u *records.HpcUser) string { return u.Username }) {
		groupName := records.HpcAlumnisGroup
		groupGID := records.HpcAlumnisGID
		if user.PrimaryGroup != nil {
			if group, ok := hpc.HpcGroups[*user.PrimaryGroup]; ok {
				groupName = group.Name
				if group.GID != nil {
					groupGID = *group.GID
				}
			}
		}
		path := fmt.Sprintf("%s/home/users/%s", records.BasePathTier1, user.Username)
		result[path] = &records.FsDirectory{
			Path:       path,
			OwnerName:  user.Username,
			OwnerUID:   user.UID,
			GroupName:  groupName,
			GroupGID:   groupGID,
			Perms:      "drwx--S---",
			QuotaBytes: int64Ptr(records.QuotaHomeBytes),
		}
	}
	for _, group := range sortedRecords(hpc.HpcGroups, func(g *records.HpcGroup) string { return g.Name }) {
		if group.GID == nil {
			b.logger.Warn("group has no gid, skipping", zap.String("group", group.Name))
			continue
		}
		owner, ok := hpc.HpcUsers[group.Owner]
		if !ok {
			b.logger.Warn("owner of group not found, skipping",
				zap.String("group", group.Name), zap.String("owner", group.Owner.String()))
			continue
		}
		if group.ResourcesRequested == nil {
			b.logger.Warn("group has no resources requested, skipping", zap.String("group", group.Name))
			continue
		}
		name := stripPrefix(group.Name, records.PosixAGPrefix)
		maps.Copy(result, b.sharedFolders("groups/ag-"+name, owner, name, *group.GID, group.ResourcesRequested))
	}
	for _, project := range sortedRecords(hpc.HpcProjects, func(p *records.HpcProject) string { return p.Name }) {
		if project.GID == nil {
			b.logger.Warn("project has no gid, skipping", zap.String("project", project.Name))
			continue
		}
		if project.Group == nil {
			b.logger.Warn("project has no owning group, skipping", zap.String("project", project.Name))
			continue
		}
		owner := b.projectOwner(hpc, project)
		if owner == nil {
			continue
		}
		if project.ResourcesRequested == nil {
			b.logger.Warn("project has no resources requested, skipping", zap.String("project", project.Name))
			continue
		}
		name := stripPrefix(project.Name, records.PosixProjectPrefix)
		maps.Copy(result, b.sharedFolders("projects/"+name, owner, name, *project.GID, project.ResourcesRequested))
	}
	return result
}

// sharedFolders derives the storage folders of one group or project.
// Nothing is created unless both tier 1 quotas are requested; tier 2
// folders only exist for the variants with a non-zero quota.
func (b *TargetBuilder) sharedFolders(relPath string, owner *records.HpcUser, groupName string, gid int, requested *records.ResourceData) map[string]*records.FsDirectory {
	result := map[string]*records.FsDirectory{}
	if requested.Tier1Work == 0 || requested.Tier1Scratch == 0 {
		return result
	}
	const tib = float64(1 << 40)
	dir := func(path string, quotaBytes int64) *records.FsDirectory {
		return &records.FsDirectory{
			Path:       path,
			OwnerName:  owner.Username,
			OwnerUID:   owner.UID,
			GroupName:  groupName,
			GroupGID:   gid,
			Perms:      "drwxrwS---",
			QuotaBytes: &quotaBytes,
		}
	}
	for _, tier1 := range []struct {
		volume string
		quota  int64
	}{
		{"home", records.QuotaHomeBytes},
		{"scratch", int64(requested.Tier1Scratch * tib)},
		{"work", int64(requested.Tier1Work * tib)},
	} {
		path := fmt.Sprintf("%s/%s/%s", records.BasePathTier1, tier1.volume, relPath)
		result[path] = dir(path, tier1.quota)
	}
	for _, tier2 := range []struct {
		variant string
		quota   float64
	}{
		{"unmirrored", requested.Tier2Unmirrored},
		{"mirrored", requested.Tier2Mirrored},
	} {
		if tier2.quota == 0 {
			continue
		}
		path := fmt.Sprintf("%s/%s/%s", records.BasePathTier2, tier2.variant, relPath)
		result[path] = dir(path, int64(tier2.quota*tib))
	}
	return result
}

// userDN derives the DN of a portal user in the HPC directory. MDC
// accounts carry the _m suffix, all others live in the Charite tree.
func userDN(user *records.HpcUser) string {
	if strings.HasSuffix(user.Username, "_m") {
		return fmt.Sprintf("cn=%s,%s", user.FullName, records.BaseDNMDC)
	}
	return fmt.Sprintf("cn=%s,%s", user.FullName, records.BaseDNCharite)
}

// sortedRecords returns the values of a UUID-keyed map ordered by the
// given key so that GID assignment and logging are deterministic.
func sortedRecords[T any](m map[uuid.UUID]*T, key func(*T) string) []*T {
	result := make([]*T, 0, len(m))
	for _, record := range m {
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool { return key(result[i]) < key(result[j]) })
	return result
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func strPtr(s string) *string { return &s }
