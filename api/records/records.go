// Package records defines the record types exchanged between the hpc-access
// portal, the HPC LDAP directory, and the CephFS storage tree, together with
// the operation types that describe how to reconcile them.
package records

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Portal Records --

// Status is the lifecycle status of a portal user, group, or project record.
type Status string

const (
	StatusInitial Status = "INITIAL" // Record has been created but not activated yet.
	StatusActive  Status = "ACTIVE"  // Record is active.
	StatusDeleted Status = "DELETED" // Record has been deleted in the portal.
	StatusExpired Status = "EXPIRED" // Record has expired.
)

// ResourceData holds storage resources requested by or used for a group or
// project. All values are in TB.
type ResourceData struct {
	Tier1Work       float64 `json:"tier1_work"`       // Tier 1 work volume.
	Tier1Scratch    float64 `json:"tier1_scratch"`    // Tier 1 scratch volume.
	Tier2Mirrored   float64 `json:"tier2_mirrored"`   // Tier 2 mirrored volume.
	Tier2Unmirrored float64 `json:"tier2_unmirrored"` // Tier 2 unmirrored volume.
}

// Set assigns a value to the resource with the given name.
func (r *ResourceData) Set(resource string, value float64) error {
	switch resource {
	case ResourceTier1Work:
		r.Tier1Work = value
	case ResourceTier1Scratch:
		r.Tier1Scratch = value
	case ResourceTier2Mirrored:
		r.Tier2Mirrored = value
	case ResourceTier2Unmirrored:
		r.Tier2Unmirrored = value
	default:
		return fmt.Errorf("unknown group resource %q", resource)
	}
	return nil
}

// ResourceDataUser holds storage resources requested by or used for a user.
// All values are in GB.
type ResourceDataUser struct {
	Tier1Home float64 `json:"tier1_home"` // Tier 1 home volume.
}

// Set assigns a value to the resource with the given name.
func (r *ResourceDataUser) Set(resource string, value float64) error {
	if resource != ResourceTier1Home {
		return fmt.Errorf("unknown user resource %q", resource)
	}
	r.Tier1Home = value
	return nil
}

// GroupFolders lists the storage folders of a group or project.
type GroupFolders struct {
	Tier1Work       string `json:"tier1_work"`
	Tier1Scratch    string `json:"tier1_scratch"`
	Tier2Mirrored   string `json:"tier2_mirrored"`
	Tier2Unmirrored string `json:"tier2_unmirrored"`
}

// HpcUser is a user record as served by the hpc-access portal.
type HpcUser struct {
	// UUID is the stable identifier of the record.
	UUID uuid.UUID `json:"uuid"`
	// PrimaryGroup refers to the user's primary HpcGroup, if any.
	PrimaryGroup *uuid.UUID `json:"primary_group"`

	Description *string `json:"description"`
	Email       *string `json:"email"`
	FullName    string  `json:"full_name"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	PhoneNumber *string `json:"phone_number"`

	// ResourcesRequested and ResourcesUsed hold the user's storage
	// request and its measured usage.
	ResourcesRequested *ResourceDataUser `json:"resources_requested"`
	ResourcesUsed      *ResourceDataUser `json:"resources_used"`

	Status Status `json:"status"`
	// UID is the numeric POSIX user ID.
	UID      int    `json:"uid"`
	Username string `json:"username"`
	// Expiration is the point in time at which the user expires.
	Expiration    time.Time `json:"expiration"`
	HomeDirectory string    `json:"home_directory"`
	LoginShell    string    `json:"login_shell"`
	// CurrentVersion is the version counter of the portal record.
	CurrentVersion int `json:"current_version"`
}

// HpcGroup is a work group record as served by the hpc-access portal.
type HpcGroup struct {
	UUID uuid.UUID `json:"uuid"`
	// Owner refers to the owning HpcUser.
	Owner       uuid.UUID `json:"owner"`
	Description *string   `json:"description"`
	// Delegate refers to the delegate HpcUser, if any.
	Delegate *uuid.UUID `json:"delegate"`

	ResourcesRequested *ResourceData `json:"resources_requested"`
	ResourcesUsed      *ResourceData `json:"resources_used"`

	Status Status `json:"status"`
	// GID is the numeric POSIX group ID; nil when none has been
	// assigned yet.
	GID            *int         `json:"gid"`
	Name           string       `json:"name"`
	Folders        GroupFolders `json:"folders"`
	Expiration     time.Time    `json:"expiration"`
	CurrentVersion int          `json:"current_version"`
}

// HpcProject is a project record as served by the hpc-access portal.
type HpcProject struct {
	UUID uuid.UUID `json:"uuid"`
	// Group refers to the owning HpcGroup; the owner of that group also
	// owns the project.
	Group       *uuid.UUID `json:"group"`
	Description *string    `json:"description"`
	Delegate    *uuid.UUID `json:"delegate"`

	ResourcesRequested *ResourceData `json:"resources_requested"`
	ResourcesUsed      *ResourceData `json:"resources_used"`

	Status         Status       `json:"status"`
	GID            *int         `json:"gid"`
	Name           string       `json:"name"`
	Folders        GroupFolders `json:"folders"`
	Expiration     time.Time    `json:"expiration"`
	CurrentVersion int          `json:"current_version"`
	// Members lists the UUIDs of the member users.
	Members []uuid.UUID `json:"members"`
}

// -- Aggregated States --

// HpcAccessState is the full portal state, keyed by record UUID.
type HpcAccessState struct {
	HpcUsers    map[uuid.UUID]*HpcUser    `json:"hpc_users"`
	HpcGroups   map[uuid.UUID]*HpcGroup   `json:"hpc_groups"`
	HpcProjects map[uuid.UUID]*HpcProject `json:"hpc_projects"`
}

// NewHpcAccessState returns an empty portal state with initialized maps.
func NewHpcAccessState() *HpcAccessState {
	return &HpcAccessState{
		HpcUsers:    map[uuid.UUID]*HpcUser{},
		HpcGroups:   map[uuid.UUID]*HpcGroup{},
		HpcProjects: map[uuid.UUID]*HpcProject{},
	}
}

// SystemState is the state gathered from the LDAP directory and the file
// system. Users are keyed by username, groups by common name, and
// directories by absolute path.
type SystemState struct {
	LdapUsers     map[string]*LdapUser    `json:"ldap_users"`
	LdapGroups    map[string]*LdapGroup   `json:"ldap_groups"`
	FsDirectories map[string]*FsDirectory `json:"fs_directories"`
}

// NewSystemState returns an empty system state with initialized maps.
func NewSystemState() *SystemState {
	return &SystemState{
		LdapUsers:     map[string]*LdapUser{},
		LdapGroups:    map[string]*LdapGroup{},
		FsDirectories: map[string]*FsDirectory{},
	}
}
