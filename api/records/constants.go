package records

// LoginShellDisabled is the login shell set on users that must no longer
// log in. Access is disabled by replacing the shell, never by deletion.
const LoginShellDisabled = "/usr/sbin/nologin"

// Prefixes of POSIX group names for work groups and projects.
const (
	PosixAGPrefix      = "hpc-ag-"
	PosixProjectPrefix = "hpc-prj-"
)

// Base paths of the storage tiers.
const (
	BasePathTier1 = "/data/cephfs-1"
	BasePathTier2 = "/data/cephfs-2"
)

// Base DNs of the subtrees in the HPC LDAP directory.
const (
	BaseDNGroups   = "ou=Teams,ou=Groups,dc=hpc,dc=bihealth,dc=org"
	BaseDNProjects = "ou=Projects,ou=Groups,dc=hpc,dc=bihealth,dc=org"
	BaseDNCharite  = "ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org"
	BaseDNMDC      = "ou=MDC,ou=Users,dc=hpc,dc=bihealth,dc=org"
)

const (
	// QuotaHomeBytes is the fixed quota on user and group home folders (1 GiB).
	QuotaHomeBytes int64 = 1 << 30
	// QuotaScratchBytes is the default quota on scratch folders (100 TiB).
	QuotaScratchBytes int64 = 100 << 40
)

const (
	// HpcAlumnisGroup collects users without a primary group.
	HpcAlumnisGroup = "hpc-alumnis"
	// HpcAlumnisGID is the fixed GID of the alumni group.
	HpcAlumnisGID = 1030001
	// HpcUsersGroup collects the users that are allowed to log in.
	HpcUsersGroup = "hpc-users"
	// HpcUsersGID is the fixed GID of the hpc-users group.
	HpcUsersGID = 1005269
)

// Entities that own folders on the storage tree.
const (
	EntityUsers    = "users"
	EntityGroups   = "groups"
	EntityProjects = "projects"
)

// Entities lists all known folder-owning entities.
var Entities = []string{EntityUsers, EntityGroups, EntityProjects}

// Names of the storage resources as used in ResourceData and
// ResourceDataUser, matching their JSON field names.
const (
	ResourceTier1Home       = "tier1_home"
	ResourceTier1Work       = "tier1_work"
	ResourceTier1Scratch    = "tier1_scratch"
	ResourceTier2Mirrored   = "tier2_mirrored"
	ResourceTier2Unmirrored = "tier2_unmirrored"
)
