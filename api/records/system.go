package records

import "strings"

// -- GECOS --

// Gecos holds the GECOS field of a POSIX account split into its five
// comma-separated parts. Unset parts are nil.
type Gecos struct {
	FullName       *string `json:"full_name"`
	OfficeLocation *string `json:"office_location"`
	OfficePhone    *string `json:"office_phone"`
	HomePhone      *string `json:"home_phone"`
	Other          *string `json:"other"`
}

// ParseGecos splits a GECOS string into its parts. Empty parts and the
// literal "None" count as unset.
func ParseGecos(s string) *Gecos {
	parts := strings.SplitN(s, ",", 5)
	for len(parts) < 5 {
		parts = append(parts, "")
	}
	part := func(i int) *string {
		if parts[i] == "" || parts[i] == "None" {
			return nil
		}
		v := parts[i]
		return &v
	}
	return &Gecos{
		FullName:       part(0),
		OfficeLocation: part(1),
		OfficePhone:    part(2),
		HomePhone:      part(3),
		Other:          part(4),
	}
}

// String renders the GECOS parts back into their comma-separated form.
func (g *Gecos) String() string {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return strings.Join([]string{
		deref(g.FullName),
		deref(g.OfficeLocation),
		deref(g.OfficePhone),
		deref(g.HomePhone),
		deref(g.Other),
	}, ",")
}

// -- LDAP Records --

// LdapUser is a user entry from the LDAP directory.
type LdapUser struct {
	// CN is the common name of the entry.
	CN string `json:"cn"`
	// DN is the distinguished name of the entry.
	DN string `json:"dn"`
	// UID is the username.
	UID string `json:"uid"`

	Mail      *string `json:"mail"`
	SN        *string `json:"sn"`
	GivenName *string `json:"given_name"`

	// UIDNumber is the numeric POSIX user ID.
	UIDNumber int `json:"uid_number"`
	// GIDNumber is the numeric ID of the user's primary group.
	GIDNumber *int `json:"gid_number"`

	HomeDirectory string `json:"home_directory"`
	LoginShell    string `json:"login_shell"`
	Gecos         *Gecos `json:"gecos"`
	// SSHPublicKeys holds the user's public SSH keys. The keys are
	// managed by the upstream directories, so target states always
	// leave this empty.
	SSHPublicKeys []string `json:"ssh_public_key"`
}

// Attributes returns the entry's writable state keyed by LDAP attribute
// name. The GECOS structure is flattened to its string form. Values are
// nil, string, int, or []string.
func (u *LdapUser) Attributes() map[string]any {
	attrs := map[string]any{
		"dn":            u.DN,
		"cn":            u.CN,
		"uid":           u.UID,
		"mail":          optString(u.Mail),
		"sn":            optString(u.SN),
		"givenName":     optString(u.GivenName),
		"uidNumber":     u.UIDNumber,
		"gidNumber":     optInt(u.GIDNumber),
		"homeDirectory": u.HomeDirectory,
		"loginShell":    u.LoginShell,
		"sshPublicKey":  append([]string{}, u.SSHPublicKeys...),
	}
	if u.Gecos != nil {
		attrs["gecos"] = u.Gecos.String()
	} else {
		attrs["gecos"] = nil
	}
	return attrs
}

// LdapGroup is a group entry from the LDAP directory. Both work groups and
// projects are kept as groups; work groups have no explicit member list as
// their members are attached through the primary GID.
type LdapGroup struct {
	// CN is the common name of the entry.
	CN string `json:"cn"`
	// DN is the distinguished name of the entry.
	DN string `json:"dn"`
	// GIDNumber is the numeric POSIX group ID, nil when not yet assigned.
	GIDNumber   *int    `json:"gid_number"`
	Description *string `json:"description"`

	// OwnerDN is the DN of the owning user, if any.
	OwnerDN *string `json:"owner_dn"`
	// DelegateDNs lists the DNs of the delegate users.
	DelegateDNs []string `json:"delegate_dns"`
	// MemberUIDs lists the usernames of the group members.
	MemberUIDs []string `json:"member_uids"`
}

// Attributes returns the entry's writable state keyed by LDAP attribute
// name. Values are nil, string, int, or []string.
func (g *LdapGroup) Attributes() map[string]any {
	return map[string]any{
		"dn":                   g.DN,
		"cn":                   g.CN,
		"gidNumber":            optInt(g.GIDNumber),
		"description":          optString(g.Description),
		"bih-groupOwnerDN":     optString(g.OwnerDN),
		"bih-groupDelegateDNs": append([]string{}, g.DelegateDNs...),
		"memberUid":            append([]string{}, g.MemberUIDs...),
	}
}

// -- File System Records --

// FsDirectory is a directory on the storage tree together with its Ceph
// extended attributes. Nil quota values mean that no quota is set.
type FsDirectory struct {
	// Path is the absolute path of the directory.
	Path string `json:"path"`

	OwnerName string `json:"owner_name"`
	OwnerUID  int    `json:"owner_uid"`
	GroupName string `json:"group_name"`
	GroupGID  int    `json:"group_gid"`

	// Perms is the directory mode in symbolic form, e.g. "drwxrwS---".
	Perms string `json:"perms"`

	// RBytes and RFiles are the recursive size and file count as
	// reported by Ceph.
	RBytes *int64 `json:"rbytes"`
	RFiles *int64 `json:"rfiles"`

	QuotaBytes *int64 `json:"quota_bytes"`
	QuotaFiles *int64 `json:"quota_files"`
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
