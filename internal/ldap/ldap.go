// Package ldap talks to the HPC LDAP directory: loading posixAccount and
// posixGroup entries and applying reconciliation operations to them.
package ldap

import (
	"fmt"
	"sort"
	"strconv"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
	"github.com/bihealth/hpc-access-cli/internal/config"
)

// userObjectClasses are the object classes for user entries.
var userObjectClasses = []string{
	"inetOrgPerson", "posixAccount", "ldapPublicKey", "bih-expireDates", "top",
}

// pagingSize is the page size for entry lookups before modifications.
const pagingSize = 20

// userAttributes are the attributes requested when loading user entries.
var userAttributes = []string{
	"sn", "givenName", "cn", "uid", "uidNumber", "gidNumber",
	"homeDirectory", "gecos", "loginShell", "mail", "displayName",
	"sshPublicKey",
}

// groupAttributes are the attributes requested when loading group entries.
var groupAttributes = []string{
	"cn", "gidNumber", "bih-groupOwnerDN", "bih-groupDelegateDNs",
	"memberUid", "description",
}

// directory is the subset of *goldap.Conn the connection uses. Tests swap
// in a fake.
type directory interface {
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	SearchWithPaging(req *goldap.SearchRequest, pagingSize uint32) (*goldap.SearchResult, error)
	Add(req *goldap.AddRequest) error
	Modify(req *goldap.ModifyRequest) error
	Close() error
}

// Connection wraps a bound connection to the HPC LDAP server.
type Connection struct {
	cfg    config.LDAPConfig
	logger *zap.Logger
	conn   directory
}

// Connect dials the configured LDAP server and binds with the service
// account.
func Connect(cfg config.LDAPConfig, logger *zap.Logger) (*Connection, error) {
	log := logger.Named("ldap")
	log.Info("connecting to LDAP server", zap.String("url", cfg.URL()))
	conn, err := goldap.DialURL(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server %s: %w", cfg.URL(), err)
	}
	if err := conn.Bind(cfg.BindDN, cfg.BindPW.Reveal()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to bind to LDAP server: %w", err)
	}
	log.Info("connected to LDAP server")
	return &Connection{cfg: cfg, logger: log, conn: conn}, nil
}

// Close terminates the underlying LDAP connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// LoadUsers loads all user entries from the directory.
func (c *Connection) LoadUsers() ([]*records.LdapUser, error) {
	filter := "(&(objectClass=posixAccount)(uid=*))"
	c.logger.Debug("searching for users", zap.String("filter", filter))
	req := goldap.NewSearchRequest(
		c.cfg.SearchBase, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		0, 0, false, filter, userAttributes, nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search for users: %w", err)
	}
	result := make([]*records.LdapUser, 0, len(res.Entries))
	for _, entry := range res.Entries {
		user, err := entryToUser(entry)
		if err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	c.logger.Debug("loaded users from LDAP", zap.Int("count", len(result)))
	return result, nil
}

// LoadGroups loads all group entries from the directory.
func (c *Connection) LoadGroups() ([]*records.LdapGroup, error) {
	filter := "(&(objectClass=posixGroup)(cn=*))"
	c.logger.Debug("searching for groups", zap.String("filter", filter))
	req := goldap.NewSearchRequest(
		c.cfg.SearchBase, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		0, 0, false, filter, groupAttributes, nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search for groups: %w", err)
	}
	result := make([]*records.LdapGroup, 0, len(res.Entries))
	for _, entry := range res.Entries {
		group, err := entryToGroup(entry)
		if err != nil {
			return nil, err
		}
		result = append(result, group)
	}
	c.logger.Debug("loaded groups from LDAP", zap.Int("count", len(result)))
	return result, nil
}

// ApplyUserOp applies one user operation to the directory. With dryRun the
// operation is logged but not executed.
func (c *Connection) ApplyUserOp(op *records.LdapUserOp, dryRun bool) error {
	switch op.Operation {
	case records.OpCreate:
		return c.createUser(op.User, dryRun)
	case records.OpDisable:
		return c.disableUser(op.User, dryRun)
	case records.OpUpdate:
		return c.updateUser(op.User, op.Diff, dryRun)
	default:
		return fmt.Errorf("unknown state operation %q", op.Operation)
	}
}

// ApplyGroupOp applies one group operation to the directory. Group creation
// happens in the upstream directories and disabling happens on the file
// system via quotas, so only updates touch LDAP.
func (c *Connection) ApplyGroupOp(op *records.LdapGroupOp, dryRun bool) error {
	switch op.Operation {
	case records.OpCreate:
		c.logger.Info("group creation is handled upstream, skipping",
			zap.String("dn", op.Group.DN))
		return nil
	case records.OpDisable:
		c.logger.Info("group disabling happens via file system quotas, skipping",
			zap.String("dn", op.Group.DN))
		return nil
	case records.OpUpdate:
		return c.updateGroup(op.Group, op.Diff, dryRun)
	default:
		return fmt.Errorf("unknown state operation %q", op.Operation)
	}
}

func (c *Connection) createUser(user *records.LdapUser, dryRun bool) error {
	req := goldap.NewAddRequest(user.DN, nil)
	req.Attribute("objectClass", userObjectClasses)
	req.Attribute("cn", []string{user.CN})
	req.Attribute("uid", []string{user.UID})
	req.Attribute("uidNumber", []string{strconv.Itoa(user.UIDNumber)})
	if user.GIDNumber != nil {
		req.Attribute("gidNumber", []string{strconv.Itoa(*user.GIDNumber)})
	}
	req.Attribute("homeDirectory", []string{user.HomeDirectory})
	req.Attribute("loginShell", []string{user.LoginShell})
	if user.SN != nil {
		req.Attribute("sn", []string{*user.SN})
	}
	if user.GivenName != nil {
		req.Attribute("givenName", []string{*user.GivenName})
	}
	if user.Mail != nil {
		req.Attribute("mail", []string{*user.Mail})
	}
	if user.Gecos != nil {
		req.Attribute("gecos", []string{user.Gecos.String()})
	}

	c.logger.Info("create LDAP user",
		zap.String("dn", user.DN), zap.String("uid", user.UID),
		zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	if err := c.conn.Add(req); err != nil {
		return fmt.Errorf("failed to create LDAP user %s: %w", user.DN, err)
	}
	return nil
}

func (c *Connection) disableUser(user *records.LdapUser, dryRun bool) error {
	entry, err := c.findUserEntry(user.UID)
	if err != nil {
		return err
	}
	req := goldap.NewModifyRequest(entry.DN, nil)
	req.Replace("loginShell", []string{records.LoginShellDisabled})

	c.logger.Info("disable LDAP user",
		zap.String("dn", entry.DN), zap.String("uid", user.UID),
		zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	if err := c.conn.Modify(req); err != nil {
		return fmt.Errorf("failed to disable LDAP user %s: %w", user.UID, err)
	}
	return nil
}

func (c *Connection) updateUser(user *records.LdapUser, diff map[string]any, dryRun bool) error {
	entry, err := c.findUserEntry(user.UID)
	if err != nil {
		return err
	}
	req := goldap.NewModifyRequest(entry.DN, nil)
	for _, key := range sortedKeys(diff) {
		switch key {
		case "dn":
			c.logger.Warn("changing the DN of a user is not supported, skipping",
				zap.String("uid", user.UID), zap.Any("new_dn", diff[key]))
		case "sshPublicKey":
			// The SSH keys live in the upstream directories, the only
			// supported change here is clearing them.
			req.Replace(key, []string{})
		default:
			req.Replace(key, attributeValues(diff[key]))
		}
	}
	if len(req.Changes) == 0 {
		return nil
	}

	c.logger.Info("update LDAP user",
		zap.String("dn", entry.DN), zap.String("uid", user.UID),
		zap.Any("diff", diff), zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	if err := c.conn.Modify(req); err != nil {
		return fmt.Errorf("failed to update LDAP user %s: %w", user.UID, err)
	}
	return nil
}

func (c *Connection) updateGroup(group *records.LdapGroup, diff map[string]any, dryRun bool) error {
	if group.GIDNumber == nil {
		return fmt.Errorf("group %s has no gidNumber", group.DN)
	}
	entry, err := c.findGroupEntry(*group.GIDNumber)
	if err != nil {
		return err
	}
	req := goldap.NewModifyRequest(entry.DN, nil)
	for _, key := range sortedKeys(diff) {
		if key == "dn" {
			c.logger.Warn("changing the DN of a group is not supported, skipping",
				zap.String("cn", group.CN), zap.Any("new_dn", diff[key]))
			continue
		}
		req.Replace(key, attributeValues(diff[key]))
	}
	if len(req.Changes) == 0 {
		return nil
	}

	c.logger.Info("update LDAP group",
		zap.String("dn", entry.DN), zap.String("cn", group.CN),
		zap.Any("diff", diff), zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	if err := c.conn.Modify(req); err != nil {
		return fmt.Errorf("failed to update LDAP group %s: %w", group.DN, err)
	}
	return nil
}

func (c *Connection) findUserEntry(uid string) (*goldap.Entry, error) {
	filter := fmt.Sprintf("(&(objectClass=posixAccount)(uid=%s))", goldap.EscapeFilter(uid))
	req := goldap.NewSearchRequest(
		c.cfg.SearchBase, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		0, 0, false, filter, userAttributes, nil,
	)
	res, err := c.conn.SearchWithPaging(req, pagingSize)
	if err != nil {
		return nil, fmt.Errorf("failed to search for user %s: %w", uid, err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("could not find user %s below %s", uid, c.cfg.SearchBase)
	}
	return res.Entries[0], nil
}

func (c *Connection) findGroupEntry(gidNumber int) (*goldap.Entry, error) {
	filter := fmt.Sprintf("(&(objectClass=posixGroup)(gidNumber=%d))", gidNumber)
	req := goldap.NewSearchRequest(
		c.cfg.SearchBase, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		0, 0, false, filter, groupAttributes, nil,
	)
	res, err := c.conn.SearchWithPaging(req, pagingSize)
	if err != nil {
		return nil, fmt.Errorf("failed to search for group with gidNumber %d: %w", gidNumber, err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("could not find group with gidNumber %d below %s",
			gidNumber, c.cfg.SearchBase)
	}
	return res.Entries[0], nil
}

// entryToUser converts a directory entry into an LdapUser record.
func entryToUser(entry *goldap.Entry) (*records.LdapUser, error) {
	uidNumber, err := requiredIntAttr(entry, "uidNumber")
	if err != nil {
		return nil, err
	}
	gidNumber, err := requiredIntAttr(entry, "gidNumber")
	if err != nil {
		return nil, err
	}
	cn, err := requiredAttr(entry, "cn")
	if err != nil {
		return nil, err
	}
	uid, err := requiredAttr(entry, "uid")
	if err != nil {
		return nil, err
	}
	homeDirectory, err := requiredAttr(entry, "homeDirectory")
	if err != nil {
		return nil, err
	}
	loginShell, err := requiredAttr(entry, "loginShell")
	if err != nil {
		return nil, err
	}
	var gecos *records.Gecos
	if s := entry.GetAttributeValue("gecos"); s != "" {
		gecos = records.ParseGecos(s)
	}
	return &records.LdapUser{
		DN:            entry.DN,
		CN:            cn,
		UID:           uid,
		SN:            optionalAttr(entry, "sn"),
		Mail:          optionalAttr(entry, "mail"),
		GivenName:     optionalAttr(entry, "givenName"),
		UIDNumber:     uidNumber,
		GIDNumber:     &gidNumber,
		HomeDirectory: homeDirectory,
		LoginShell:    loginShell,
		Gecos:         gecos,
		SSHPublicKeys: entry.GetAttributeValues("sshPublicKey"),
	}, nil
}

// entryToGroup converts a directory entry into an LdapGroup record.
func entryToGroup(entry *goldap.Entry) (*records.LdapGroup, error) {
	cn, err := requiredAttr(entry, "cn")
	if err != nil {
		return nil, err
	}
	gidNumber, err := requiredIntAttr(entry, "gidNumber")
	if err != nil {
		return nil, err
	}
	return &records.LdapGroup{
		DN:          entry.DN,
		CN:          cn,
		GIDNumber:   &gidNumber,
		Description: optionalAttr(entry, "description"),
		OwnerDN:     optionalAttr(entry, "bih-groupOwnerDN"),
		DelegateDNs: entry.GetAttributeValues("bih-groupDelegateDNs"),
		MemberUIDs:  entry.GetAttributeValues("memberUid"),
	}, nil
}

func requiredAttr(entry *goldap.Entry, name string) (string, error) {
	value := entry.GetAttributeValue(name)
	if value == "" {
		return "", fmt.Errorf("missing LDAP attribute %s for %s", name, entry.DN)
	}
	return value, nil
}

func requiredIntAttr(entry *goldap.Entry, name string) (int, error) {
	value, err := requiredAttr(entry, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid LDAP attribute %s for %s: %w", name, entry.DN, err)
	}
	return n, nil
}

func optionalAttr(entry *goldap.Entry, name string) *string {
	if value := entry.GetAttributeValue(name); value != "" {
		return &value
	}
	return nil
}

// attributeValues renders a diff value as LDAP attribute values. Nil and
// empty values clear the attribute.
func attributeValues(value any) []string {
	switch v := value.(type) {
	case nil:
		return []string{}
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	case int:
		return []string{strconv.Itoa(v)}
	case int64:
		return []string{strconv.FormatInt(v, 10)}
	case []string:
		return v
	default:
		return []string{fmt.Sprint(v)}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
