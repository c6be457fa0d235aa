// Package fs manages the well-known CephFS directory tree: it reads the
// per-directory ownership, permissions, and ceph quota attributes and
// applies reconciliation operations to them.
package fs

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/xattr"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// Ceph extended attributes carrying the recursive usage counters and the
// quota limits.
const (
	attrRBytes     = "ceph.dir.rbytes"
	attrRFiles     = "ceph.dir.rfiles"
	attrQuotaBytes = "ceph.quota.max_bytes"
	attrQuotaFiles = "ceph.quota.max_files"
)

// fileOps is the subset of file system operations the manager performs.
// Tests swap in a fake.
type fileOps interface {
	Glob(pattern string) ([]string, error)
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	Chmod(path string, mode os.FileMode) error
	Chown(path string, uid, gid int) error
	GetXattr(path, name string) ([]byte, error)
	SetXattr(path, name string, data []byte) error
	RemoveXattr(path, name string) error
	LookupUser(uid int) (string, error)
	LookupGroup(gid int) (string, error)
}

// osFileOps executes the operations against the real file system.
type osFileOps struct{}

func (osFileOps) Glob(pattern string) ([]string, error)        { return filepath.Glob(pattern) }
func (osFileOps) Stat(path string) (os.FileInfo, error)        { return os.Stat(path) }
func (osFileOps) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFileOps) Chmod(path string, mode os.FileMode) error    { return os.Chmod(path, mode) }
func (osFileOps) Chown(path string, uid, gid int) error        { return os.Chown(path, uid, gid) }
func (osFileOps) GetXattr(path, name string) ([]byte, error)   { return xattr.Get(path, name) }
func (osFileOps) SetXattr(path, name string, data []byte) error {
	return xattr.Set(path, name, data)
}
func (osFileOps) RemoveXattr(path, name string) error { return xattr.Remove(path, name) }

func (osFileOps) LookupUser(uid int) (string, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func (osFileOps) LookupGroup(gid int) (string, error) {
	g, err := user.LookupGroupId(strconv.Itoa(gid))
	if err != nil {
		return "", err
	}
	return g.Name, nil
}

// Manager reads and writes the managed storage locations.
type Manager struct {
	logger *zap.Logger
	ops    fileOps

	// debug makes missing or unsupported xattrs read as zero, for runs
	// against an sshfs mirror of the tree that has no ceph attributes.
	debug bool

	pathTier1Home       string
	pathTier1Work       string
	pathTier1Scratch    string
	pathTier2Mirrored   string
	pathTier2Unmirrored string
}

// NewManager creates a manager for the storage tree below the given path
// prefix. An empty prefix addresses the canonical mount points.
func NewManager(prefix string, logger *zap.Logger) *Manager {
	return &Manager{
		logger:              logger.Named("fs"),
		ops:                 osFileOps{},
		debug:               os.Getenv("DEBUG") == "1",
		pathTier1Home:       prefix + records.BasePathTier1 + "/home",
		pathTier1Work:       prefix + records.BasePathTier1 + "/work",
		pathTier1Scratch:    prefix + records.BasePathTier1 + "/scratch",
		pathTier2Mirrored:   prefix + records.BasePathTier2 + "/mirrored",
		pathTier2Unmirrored: prefix + records.BasePathTier2 + "/unmirrored",
	}
}

// LoadDirectories loads all managed directories with their usage counters
// and quotas, sorted by path.
func (m *Manager) LoadDirectories() ([]*records.FsDirectory, error) {
	roots := []string{
		m.pathTier1Home, m.pathTier1Work, m.pathTier1Scratch,
		m.pathTier2Mirrored, m.pathTier2Unmirrored,
	}
	var result []*records.FsDirectory
	for _, root := range roots {
		matches, err := m.ops.Glob(filepath.Join(root, "*", "*"))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", root, err)
		}
		for _, match := range matches {
			fi, err := m.ops.Stat(match)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", match, err)
			}
			if !fi.IsDir() {
				continue
			}
			directory, err := m.FromPath(match)
			if err != nil {
				return nil, err
			}
			result = append(result, directory)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	m.logger.Debug("loaded directories", zap.Int("count", len(result)))
	return result, nil
}

// FromPath reads one directory entry with ownership, permissions, usage,
// and quotas.
func (m *Manager) FromPath(path string) (*records.FsDirectory, error) {
	fi, err := m.ops.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("no owner information for %s", path)
	}
	ownerName, err := m.ops.LookupUser(int(st.Uid))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve uid %d of %s: %w", st.Uid, path, err)
	}
	groupName, err := m.ops.LookupGroup(int(st.Gid))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gid %d of %s: %w", st.Gid, path, err)
	}

	rbytes, err := m.readAttrInt64(path, attrRBytes)
	if err != nil {
		return nil, err
	}
	rfiles, err := m.readAttrInt64(path, attrRFiles)
	if err != nil {
		return nil, err
	}
	quotaBytes, err := m.readAttrInt64(path, attrQuotaBytes)
	if err != nil {
		return nil, err
	}
	quotaFiles, err := m.readAttrInt64(path, attrQuotaFiles)
	if err != nil {
		return nil, err
	}

	return &records.FsDirectory{
		Path:       path,
		OwnerName:  ownerName,
		OwnerUID:   int(st.Uid),
		GroupName:  groupName,
		GroupGID:   int(st.Gid),
		Perms:      FormatFileMode(fi.Mode()),
		RBytes:     rbytes,
		RFiles:     rfiles,
		QuotaBytes: quotaBytes,
		QuotaFiles: quotaFiles,
	}, nil
}

// ApplyOp applies one directory operation. With dryRun the operation is
// logged but not executed.
func (m *Manager) ApplyOp(op *records.FsDirectoryOp, dryRun bool) error {
	switch op.Operation {
	case records.OpCreate:
		return m.create(op.Directory, dryRun)
	case records.OpDisable:
		return m.disable(op.Directory, dryRun)
	case records.OpUpdate:
		return m.update(op.Directory, op.Diff, dryRun)
	default:
		return fmt.Errorf("unknown state operation %q", op.Operation)
	}
}

func (m *Manager) create(directory *records.FsDirectory, dryRun bool) error {
	mode, err := ParseFileMode(directory.Perms)
	if err != nil {
		return fmt.Errorf("invalid permissions for %s: %w", directory.Path, err)
	}
	m.logger.Info("create directory",
		zap.String("path", directory.Path),
		zap.String("perms", directory.Perms),
		zap.Int("owner_uid", directory.OwnerUID),
		zap.Int("group_gid", directory.GroupGID),
		zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	if err := m.ops.MkdirAll(directory.Path, mode.Perm()); err != nil {
		return fmt.Errorf("failed to create %s: %w", directory.Path, err)
	}
	// Chmod applies the exact bits including setgid, unaffected by the
	// umask applied during mkdir.
	if err := m.ops.Chmod(directory.Path, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", directory.Path, err)
	}
	if err := m.ops.Chown(directory.Path, directory.OwnerUID, directory.GroupGID); err != nil {
		return fmt.Errorf("failed to chown %s: %w", directory.Path, err)
	}
	if directory.QuotaBytes != nil {
		if err := m.setAttrInt64(directory.Path, attrQuotaBytes, *directory.QuotaBytes); err != nil {
			return err
		}
	}
	if directory.QuotaFiles != nil {
		if err := m.setAttrInt64(directory.Path, attrQuotaFiles, *directory.QuotaFiles); err != nil {
			return err
		}
	}
	return nil
}

// disable locks a directory by setting its file quota to zero. The data
// stays in place, only new entries are refused.
func (m *Manager) disable(directory *records.FsDirectory, dryRun bool) error {
	m.logger.Info("disable directory",
		zap.String("path", directory.Path), zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	return m.setAttrInt64(directory.Path, attrQuotaFiles, 0)
}

func (m *Manager) update(directory *records.FsDirectory, diff map[string]any, dryRun bool) error {
	keys := make([]string, 0, len(diff))
	for key := range diff {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := diff[key]
		switch key {
		case "owner_uid":
			uid, ok := intValue(value)
			if !ok {
				return fmt.Errorf("invalid owner_uid value %v for %s", value, directory.Path)
			}
			m.logger.Info("change directory owner",
				zap.String("path", directory.Path), zap.Int("uid", uid),
				zap.Bool("dry_run", dryRun))
			if dryRun {
				continue
			}
			if err := m.ops.Chown(directory.Path, uid, -1); err != nil {
				return fmt.Errorf("failed to chown %s: %w", directory.Path, err)
			}
		case "group_gid":
			gid, ok := intValue(value)
			if !ok {
				return fmt.Errorf("invalid group_gid value %v for %s", value, directory.Path)
			}
			m.logger.Info("change directory group",
				zap.String("path", directory.Path), zap.Int("gid", gid),
				zap.Bool("dry_run", dryRun))
			if dryRun {
				continue
			}
			if err := m.ops.Chown(directory.Path, -1, gid); err != nil {
				return fmt.Errorf("failed to chgrp %s: %w", directory.Path, err)
			}
		case "perms":
			perms, ok := value.(string)
			if !ok {
				return fmt.Errorf("invalid perms value %v for %s", value, directory.Path)
			}
			mode, err := ParseFileMode(perms)
			if err != nil {
				return fmt.Errorf("invalid permissions for %s: %w", directory.Path, err)
			}
			m.logger.Info("change directory permissions",
				zap.String("path", directory.Path), zap.String("perms", perms),
				zap.Bool("dry_run", dryRun))
			if dryRun {
				continue
			}
			if err := m.ops.Chmod(directory.Path, mode); err != nil {
				return fmt.Errorf("failed to chmod %s: %w", directory.Path, err)
			}
		case "quota_bytes":
			if err := m.updateQuota(directory.Path, attrQuotaBytes, value, dryRun); err != nil {
				return err
			}
		case "quota_files":
			if err := m.updateQuota(directory.Path, attrQuotaFiles, value, dryRun); err != nil {
				return err
			}
		default:
			return fmt.Errorf("do not know how to handle fs directory diff key %q", key)
		}
	}
	return nil
}

func (m *Manager) updateQuota(path, name string, value any, dryRun bool) error {
	if value == nil {
		m.logger.Info("remove directory quota",
			zap.String("path", path), zap.String("attr", name),
			zap.Bool("dry_run", dryRun))
		if dryRun {
			return nil
		}
		if err := m.ops.RemoveXattr(path, name); err != nil {
			return fmt.Errorf("failed to remove %s of %s: %w", name, path, err)
		}
		return nil
	}
	limit, ok := intValue64(value)
	if !ok {
		return fmt.Errorf("invalid quota value %v for %s", value, path)
	}
	m.logger.Info("set directory quota",
		zap.String("path", path), zap.String("attr", name),
		zap.Int64("value", limit), zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	return m.setAttrInt64(path, name, limit)
}

func (m *Manager) setAttrInt64(path, name string, value int64) error {
	data := strconv.AppendInt(nil, value, 10)
	if err := m.ops.SetXattr(path, name, data); err != nil {
		return fmt.Errorf("failed to set %s of %s: %w", name, path, err)
	}
	return nil
}

// readAttrInt64 reads a numeric extended attribute. A missing attribute
// reads as nil; in debug mode any read failure reads as zero.
func (m *Manager) readAttrInt64(path, name string) (*int64, error) {
	data, err := m.ops.GetXattr(path, name)
	if err != nil {
		if m.debug {
			zero := int64(0)
			return &zero, nil
		}
		if errors.Is(err, xattr.ENOATTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s of %s: %w", name, path, err)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value on %s: %w", name, path, err)
	}
	return &value, nil
}

func intValue(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func intValue64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
