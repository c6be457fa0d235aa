package state

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// pathPattern extracts tier, subdirectory, entity, and folder name from a
// storage path such as /data/cephfs-1/work/groups/ag-doe. Matching anywhere
// in the string keeps prefixed development trees working.
var pathPattern = regexp.MustCompile(`/(cephfs-[12])/([^/]+)/([^/]+)/([^/]+)`)

// entityPrefixes maps folder-owning entities to the POSIX group name prefix
// that is stripped when deriving the expected folder name. User folders are
// matched against the owner instead.
var entityPrefixes = map[string]string{
	records.EntityGroups:   records.PosixAGPrefix,
	records.EntityProjects: records.PosixProjectPrefix,
}

type tierKey struct {
	tier   string
	subdir string
	entity string
}

// tierResources maps each managed (tier, subdirectory, entity) combination
// to the portal resource it accounts for.
var tierResources = map[tierKey]string{
	{"cephfs-1", "home", records.EntityUsers}:          records.ResourceTier1Home,
	{"cephfs-1", "work", records.EntityGroups}:         records.ResourceTier1Work,
	{"cephfs-1", "work", records.EntityProjects}:       records.ResourceTier1Work,
	{"cephfs-1", "scratch", records.EntityGroups}:      records.ResourceTier1Scratch,
	{"cephfs-1", "scratch", records.EntityProjects}:    records.ResourceTier1Scratch,
	{"cephfs-2", "unmirrored", records.EntityGroups}:   records.ResourceTier2Unmirrored,
	{"cephfs-2", "unmirrored", records.EntityProjects}: records.ResourceTier2Unmirrored,
	{"cephfs-2", "mirrored", records.EntityGroups}:     records.ResourceTier2Mirrored,
	{"cephfs-2", "mirrored", records.EntityProjects}:   records.ResourceTier2Mirrored,
}

// PathInfo classifies a managed storage directory.
type PathInfo struct {
	// Entity is the owning entity kind, one of records.Entities.
	Entity string
	// Name is the folder name within the entity subtree.
	Name string
	// Resource is the portal resource the directory accounts for.
	Resource string
}

// ValidatePath classifies a gathered directory and checks that its folder
// name matches the owning user or group. Directories outside the managed
// tree or with mismatched ownership yield an error.
func ValidatePath(directory *records.FsDirectory) (*PathInfo, error) {
	m := pathPattern.FindStringSubmatch(directory.Path)
	if m == nil {
		return nil, fmt.Errorf("no match for path %s", directory.Path)
	}
	tier, subdir, entity, name := m[1], m[2], m[3], m[4]
	if !slices.Contains(records.Entities, entity) {
		return nil, fmt.Errorf("entity unknown in path %s", directory.Path)
	}

	expected := directory.OwnerName
	if entity != records.EntityUsers {
		expected = stripPrefix(directory.GroupName, entityPrefixes[entity])
	}
	if expected != name {
		return nil, fmt.Errorf("name mismatch: %s vs %s in path %s", expected, name, directory.Path)
	}

	resource, ok := tierResources[tierKey{tier, subdir, entity}]
	if !ok {
		return nil, fmt.Errorf("path %s does not map to a storage resource", directory.Path)
	}
	return &PathInfo{Entity: entity, Name: name, Resource: resource}, nil
}

// stripPrefix removes the given prefix from name if it is present.
func stripPrefix(name, prefix string) string {
	if prefix != "" && strings.HasPrefix(name, prefix) {
		return name[len(prefix):]
	}
	return name
}

// stripAnyPrefix removes the work group or project prefix from a POSIX
// group name, whichever matches.
func stripAnyPrefix(name string) string {
	for _, prefix := range []string{records.PosixAGPrefix, records.PosixProjectPrefix} {
		if strings.HasPrefix(name, prefix) {
			return name[len(prefix):]
		}
	}
	return name
}
