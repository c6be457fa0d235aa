package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// ConvertToHpcAccess derives portal records from the gathered system
// state, for importing a running system into an empty portal. The record
// UUIDs are made up on the fly.
func ConvertToHpcAccess(system *records.SystemState, logger *zap.Logger) *records.HpcAccessState {
	c := &converter{system: system, logger: logger}
	c.prepare()
	return c.run()
}

type converter struct {
	system *records.SystemState
	logger *zap.Logger

	userUUIDs   map[string]uuid.UUID
	userByDN    map[string]*records.LdapUser
	groupUUIDs  map[string]uuid.UUID
	groupByGID  map[int]*records.LdapGroup
	groupByName map[string]*records.LdapGroup

	userQuotas  map[string]*records.ResourceDataUser
	groupQuotas map[string]*records.ResourceData
}

func (c *converter) prepare() {
	c.userUUIDs = map[string]uuid.UUID{}
	c.userByDN = map[string]*records.LdapUser{}
	for _, user := range c.system.LdapUsers {
		c.userUUIDs[user.UID] = uuid.New()
		c.userByDN[user.DN] = user
	}
	c.groupUUIDs = map[string]uuid.UUID{}
	c.groupByGID = map[int]*records.LdapGroup{}
	c.groupByName = map[string]*records.LdapGroup{}
	for cn, group := range c.system.LdapGroups {
		if strings.HasPrefix(cn, records.PosixAGPrefix) || strings.HasPrefix(cn, records.PosixProjectPrefix) {
			c.groupUUIDs[cn] = uuid.New()
		}
		c.groupByName[stripAnyPrefix(cn)] = group
		if group.GIDNumber != nil {
			c.groupByGID[*group.GIDNumber] = group
		}
	}
	c.collectQuotas()
}

// collectQuotas reads the requested storage sizes off the gathered
// directory quotas, in GB for users and TB for groups and projects.
func (c *converter) collectQuotas() {
	c.userQuotas = map[string]*records.ResourceDataUser{}
	c.groupQuotas = map[string]*records.ResourceData{}
	for _, path := range sortedKeys(c.system.FsDirectories) {
		directory := c.system.FsDirectories[path]
		info, err := ValidatePath(directory)
		if err != nil {
			c.logger.Warn("skipping directory", zap.Error(err))
			continue
		}
		var quotaBytes float64
		if directory.QuotaBytes != nil {
			quotaBytes = float64(*directory.QuotaBytes)
		}
		if info.Entity == records.EntityUsers {
			if _, ok := c.system.LdapUsers[info.Name]; !ok {
				c.logger.Warn("user not found", zap.String("username", info.Name))
				continue
			}
			quotas := c.userQuotas[info.Name]
			if quotas == nil {
				quotas = &records.ResourceDataUser{}
				c.userQuotas[info.Name] = quotas
			}
			if err := quotas.Set(info.Resource, quotaBytes/float64(1<<30)); err != nil {
				c.logger.Warn("skipping resource", zap.String("path", path), zap.Error(err))
			}
		} else {
			if _, ok := c.groupByName[info.Name]; !ok {
				c.logger.Warn("group not found", zap.String("name", info.Name))
				continue
			}
			quotas := c.groupQuotas[info.Name]
			if quotas == nil {
				quotas = &records.ResourceData{}
				c.groupQuotas[info.Name] = quotas
			}
			if err := quotas.Set(info.Resource, quotaBytes/float64(1<<40)); err != nil {
				c.logger.Warn("skipping resource", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

func (c *converter) run() *records.HpcAccessState {
	result := records.NewHpcAccessState()
	for _, username := range sortedKeys(c.system.LdapUsers) {
		user := c.buildUser(c.system.LdapUsers[username])
		result.HpcUsers[user.UUID] = user
	}
	for _, cn := range sortedKeys(c.system.LdapGroups) {
		entry := c.system.LdapGroups[cn]
		switch {
		case strings.HasPrefix(cn, records.PosixAGPrefix):
			if group := c.buildGroup(entry); group != nil {
				result.HpcGroups[group.UUID] = group
			}
		case strings.HasPrefix(cn, records.PosixProjectPrefix):
			if project := c.buildProject(entry); project != nil {
				result.HpcProjects[project.UUID] = project
			}
		}
	}
	return result
}

func (c *converter) buildUser(user *records.LdapUser) *records.HpcUser {
	status := records.StatusActive
	expiration := time.Now().AddDate(0, 0, 365)
	if user.LoginShell == records.LoginShellDisabled {
		status = records.StatusExpired
		expiration = time.Now()
	}
	var primaryGroup *uuid.UUID
	if user.GIDNumber != nil {
		if group, ok := c.groupByGID[*user.GIDNumber]; ok {
			if id, ok := c.groupUUIDs[group.CN]; ok {
				primaryGroup = &id
			}
		}
	}
	requested := c.userQuotas[user.UID]
	if requested == nil {
		requested = &records.ResourceDataUser{}
	}
	var phone *string
	if user.Gecos != nil {
		phone = user.Gecos.OfficePhone
	}
	return &records.HpcUser{
		UUID:               c.userUUIDs[user.UID],
		PrimaryGroup:       primaryGroup,
		FullName:           user.CN,
		FirstName:          user.GivenName,
		LastName:           user.SN,
		Email:              user.Mail,
		PhoneNumber:        phone,
		ResourcesRequested: requested,
		ResourcesUsed:      &records.ResourceDataUser{},
		Status:             status,
		UID:                user.UIDNumber,
		Username:           user.UID,
		Expiration:         expiration,
		HomeDirectory:      user.HomeDirectory,
		LoginShell:         user.LoginShell,
		CurrentVersion:     1,
	}
}

func (c *converter) buildGroup(group *records.LdapGroup) *records.HpcGroup {
	owner := c.owner(group)
	if owner == nil {
		return nil
	}
	name := stripPrefix(group.CN, records.PosixAGPrefix)
	return &records.HpcGroup{
		UUID:               c.groupUUIDs[group.CN],
		Owner:              c.userUUIDs[owner.UID],
		Description:        group.Description,
		Delegate:           c.delegate(group),
		ResourcesRequested: c.groupRequested(name),
		ResourcesUsed:      &records.ResourceData{},
		Status:             records.StatusActive,
		GID:                group.GIDNumber,
		Name:               name,
		Folders:            entityFolders(records.EntityGroups, name),
		Expiration:         time.Now().AddDate(0, 0, 365),
		CurrentVersion:     1,
	}
}

func (c *converter) buildProject(project *records.LdapGroup) *records.HpcProject {
	owner := c.owner(project)
	if owner == nil {
		return nil
	}
	name := stripPrefix(project.CN, records.PosixProjectPrefix)
	members := []uuid.UUID{}
	for _, uid := range project.MemberUIDs {
		uid = strings.TrimSpace(uid)
		if _, ok := c.system.LdapUsers[uid]; !ok {
			c.logger.Warn("member not found, skipping",
				zap.String("cn", project.CN), zap.String("uid", uid))
			continue
		}
		members = append(members, c.userUUIDs[uid])
	}
	// The owning group is derived through the primary group of the
	// owner; nothing is recorded when that is not a work group.
	var group *uuid.UUID
	if owner.GIDNumber != nil {
		if owningGroup, ok := c.groupByGID[*owner.GIDNumber]; ok {
			if id, ok := c.groupUUIDs[owningGroup.CN]; ok {
				group = &id
			}
		} else {
			c.logger.Warn("owning group not found",
				zap.String("cn", project.CN), zap.Int("gid", *owner.GIDNumber))
		}
	}
	return &records.HpcProject{
		UUID:               c.groupUUIDs[project.CN],
		Group:              group,
		Description:        project.Description,
		Delegate:           c.delegate(project),
		ResourcesRequested: c.groupRequested(name),
		ResourcesUsed:      &records.ResourceData{},
		Status:             records.StatusActive,
		GID:                project.GIDNumber,
		Name:               name,
		Folders:            entityFolders(records.EntityProjects, name),
		Expiration:         time.Now().AddDate(0, 0, 365),
		CurrentVersion:     1,
		Members:            members,
	}
}

func (c *converter) owner(group *records.LdapGroup) *records.LdapUser {
	if group.OwnerDN == nil {
		c.logger.Warn("no owner DN, skipping", zap.String("cn", group.CN))
		return nil
	}
	owner, ok := c.userByDN[*group.OwnerDN]
	if !ok {
		c.logger.Warn("owner not found, skipping",
			zap.String("cn", group.CN), zap.String("owner_dn", *group.OwnerDN))
		return nil
	}
	return owner
}

func (c *converter) delegate(group *records.LdapGroup) *uuid.UUID {
	if len(group.DelegateDNs) == 0 {
		return nil
	}
	user, ok := c.userByDN[group.DelegateDNs[0]]
	if !ok {
		c.logger.Warn("delegate not found",
			zap.String("cn", group.CN), zap.String("delegate_dn", group.DelegateDNs[0]))
		return nil
	}
	id := c.userUUIDs[user.UID]
	return &id
}

func (c *converter) groupRequested(name string) *records.ResourceData {
	if quotas := c.groupQuotas[name]; quotas != nil {
		return quotas
	}
	return &records.ResourceData{}
}

func entityFolders(entity, name string) records.GroupFolders {
	return records.GroupFolders{
		Tier1Work:       fmt.Sprintf("%s/work/%s/%s", records.BasePathTier1, entity, name),
		Tier1Scratch:    fmt.Sprintf("%s/scratch/%s/%s", records.BasePathTier1, entity, name),
		Tier2Mirrored:   fmt.Sprintf("%s/mirrored/%s/%s", records.BasePathTier2, entity, name),
		Tier2Unmirrored: fmt.Sprintf("%s/unmirrored/%s/%s", records.BasePathTier2, entity, name),
	}
}
