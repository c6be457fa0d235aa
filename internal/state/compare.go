package state

import (
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// Comparison computes the operations that turn the source system state
// into the target state. Extra records are disabled, missing records are
// created, and differing records are updated with a diff of the target
// values. Nothing is ever deleted.
type Comparison struct {
	src    *records.SystemState
	dst    *records.SystemState
	logger *zap.Logger
}

// NewComparison creates a comparison of the gathered state src against
// the desired state dst.
func NewComparison(src, dst *records.SystemState, logger *zap.Logger) *Comparison {
	return &Comparison{src: src, dst: dst, logger: logger}
}

// Run computes the operations for all three record kinds.
func (c *Comparison) Run() *records.OperationsContainer {
	c.logger.Info("comparing source and target state")
	result := &records.OperationsContainer{
		LdapUserOps:  c.compareLdapUsers(),
		LdapGroupOps: c.compareLdapGroups(),
		FsOps:        c.compareFsDirectories(),
	}
	c.logger.Info("comparison complete",
		zap.Int("ldap_user_ops", len(result.LdapUserOps)),
		zap.Int("ldap_group_ops", len(result.LdapGroupOps)),
		zap.Int("fs_ops", len(result.FsOps)))
	return result
}

func (c *Comparison) compareLdapUsers() []records.LdapUserOp {
	var result []records.LdapUserOp
	for _, username := range extraKeys(c.src.LdapUsers, c.dst.LdapUsers) {
		result = append(result, records.LdapUserOp{
			Operation: records.OpDisable,
			User:      c.src.LdapUsers[username],
		})
	}
	for _, username := range extraKeys(c.dst.LdapUsers, c.src.LdapUsers) {
		result = append(result, records.LdapUserOp{
			Operation: records.OpCreate,
			User:      c.dst.LdapUsers[username],
		})
	}
	for _, username := range commonKeys(c.src.LdapUsers, c.dst.LdapUsers) {
		src := c.src.LdapUsers[username]
		dst := c.dst.LdapUsers[username]
		diff := attributeDiff(src.Attributes(), dst.Attributes())
		if len(diff) == 0 {
			continue
		}
		c.logger.Debug("LDAP user differs",
			zap.String("username", username),
			zap.String("diff", cmp.Diff(src.Attributes(), dst.Attributes())))
		result = append(result, records.LdapUserOp{
			Operation: records.OpUpdate,
			User:      src,
			Diff:      diff,
		})
	}
	return result
}

func (c *Comparison) compareLdapGroups() []records.LdapGroupOp {
	var result []records.LdapGroupOp
	for _, name := range extraKeys(c.src.LdapGroups, c.dst.LdapGroups) {
		result = append(result, records.LdapGroupOp{
			Operation: records.OpDisable,
			Group:     c.src.LdapGroups[name],
		})
	}
	for _, name := range extraKeys(c.dst.LdapGroups, c.src.LdapGroups) {
		result = append(result, records.LdapGroupOp{
			Operation: records.OpCreate,
			Group:     c.dst.LdapGroups[name],
		})
	}
	for _, name := range commonKeys(c.src.LdapGroups, c.dst.LdapGroups) {
		src := c.src.LdapGroups[name]
		dst := c.dst.LdapGroups[name]
		diff := attributeDiff(src.Attributes(), dst.Attributes())
		if len(diff) == 0 {
			continue
		}
		c.logger.Debug("LDAP group differs",
			zap.String("cn", name),
			zap.String("diff", cmp.Diff(src.Attributes(), dst.Attributes())))
		result = append(result, records.LdapGroupOp{
			Operation: records.OpUpdate,
			Group:     src,
			Diff:      diff,
		})
	}
	return result
}

func (c *Comparison) compareFsDirectories() []records.FsDirectoryOp {
	var result []records.FsDirectoryOp
	for _, path := range extraKeys(c.src.FsDirectories, c.dst.FsDirectories) {
		result = append(result, records.FsDirectoryOp{
			Operation: records.OpDisable,
			Directory: c.src.FsDirectories[path],
		})
	}
	for _, path := range extraKeys(c.dst.FsDirectories, c.src.FsDirectories) {
		result = append(result, records.FsDirectoryOp{
			Operation: records.OpCreate,
			Directory: c.dst.FsDirectories[path],
		})
	}
	for _, path := range commonKeys(c.src.FsDirectories, c.dst.FsDirectories) {
		src := fsCompareValues(c.src.FsDirectories[path])
		dst := fsCompareValues(c.dst.FsDirectories[path])
		diff := attributeDiff(src, dst)
		if len(diff) == 0 {
			continue
		}
		c.logger.Debug("directory differs",
			zap.String("path", path), zap.String("diff", cmp.Diff(src, dst)))
		result = append(result, records.FsDirectoryOp{
			Operation: records.OpUpdate,
			Directory: c.src.FsDirectories[path],
			Diff:      diff,
		})
	}
	return result
}

// fsCompareValues projects a directory onto the reconciled fields. The
// measured usage counters are left out, they never match a freshly
// derived target state.
func fsCompareValues(directory *records.FsDirectory) map[string]any {
	result := map[string]any{
		"owner_uid": directory.OwnerUID,
		"group_gid": directory.GroupGID,
		"perms":     directory.Perms,
	}
	if directory.QuotaBytes != nil {
		result["quota_bytes"] = *directory.QuotaBytes
	} else {
		result["quota_bytes"] = nil
	}
	if directory.QuotaFiles != nil {
		result["quota_files"] = *directory.QuotaFiles
	} else {
		result["quota_files"] = nil
	}
	return result
}

// attributeDiff returns the target values of all keys on which the two
// attribute maps disagree.
func attributeDiff(src, dst map[string]any) map[string]any {
	diff := map[string]any{}
	for _, key := range sortedKeys(src) {
		if !cmp.Equal(src[key], dst[key]) {
			diff[key] = dst[key]
		}
	}
	for _, key := range sortedKeys(dst) {
		if _, ok := src[key]; !ok {
			diff[key] = dst[key]
		}
	}
	if len(diff) == 0 {
		return nil
	}
	return diff
}

// extraKeys returns the keys of m that are absent from other, sorted.
func extraKeys[V any](m, other map[string]V) []string {
	var result []string
	for _, key := range sortedKeys(m) {
		if _, ok := other[key]; !ok {
			result = append(result, key)
		}
	}
	return result
}

// commonKeys returns the keys present in both maps, sorted.
func commonKeys[V any](m, other map[string]V) []string {
	var result []string
	for _, key := range sortedKeys(m) {
		if _, ok := other[key]; ok {
			result = append(result, key)
		}
	}
	return result
}
