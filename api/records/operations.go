package records

import (
	"fmt"
	"strings"
)

// -- State Operations --

// StateOperation is an action that reconciles one record of the system
// state. There deliberately is no delete operation; records are disabled
// instead so that no data is ever destroyed.
type StateOperation string

const (
	// OpCreate creates a missing record.
	OpCreate StateOperation = "CREATE"
	// OpUpdate adjusts the attributes of an existing record.
	OpUpdate StateOperation = "UPDATE"
	// OpDisable disables access to a record that is no longer wanted.
	OpDisable StateOperation = "DISABLE"
)

// AllStateOperations returns all operations in their canonical order.
func AllStateOperations() []StateOperation {
	return []StateOperation{OpCreate, OpUpdate, OpDisable}
}

// ParseStateOperation parses a state operation name, ignoring case.
func ParseStateOperation(s string) (StateOperation, error) {
	switch StateOperation(strings.ToUpper(s)) {
	case OpCreate:
		return OpCreate, nil
	case OpUpdate:
		return OpUpdate, nil
	case OpDisable:
		return OpDisable, nil
	default:
		return "", fmt.Errorf("invalid state operation %q", s)
	}
}

// -- Reconciliation Operations --

// LdapUserOp describes an operation on an LDAP user entry. For updates,
// Diff holds the target values keyed by LDAP attribute name; a nil value
// clears the attribute.
type LdapUserOp struct {
	Operation StateOperation `json:"operation"`
	User      *LdapUser      `json:"user"`
	Diff      map[string]any `json:"diff"`
}

// LdapGroupOp describes an operation on an LDAP group entry. For updates,
// Diff holds the target values keyed by LDAP attribute name; a nil value
// clears the attribute.
type LdapGroupOp struct {
	Operation StateOperation `json:"operation"`
	Group     *LdapGroup     `json:"group"`
	Diff      map[string]any `json:"diff"`
}

// FsDirectoryOp describes an operation on a storage directory. For
// updates, Diff holds the target values keyed by record field name.
type FsDirectoryOp struct {
	Operation StateOperation `json:"operation"`
	Directory *FsDirectory   `json:"directory"`
	Diff      map[string]any `json:"diff"`
}

// OperationsContainer bundles all operations of one reconciliation run.
type OperationsContainer struct {
	LdapUserOps  []LdapUserOp    `json:"ldap_user_ops"`
	LdapGroupOps []LdapGroupOp   `json:"ldap_group_ops"`
	FsOps        []FsDirectoryOp `json:"fs_ops"`
}

// Filter returns a copy of the container that keeps only the operations
// whose kind is listed in the respective allow list.
func (c *OperationsContainer) Filter(userOps, groupOps, fsOps []StateOperation) *OperationsContainer {
	result := &OperationsContainer{}
	for _, op := range c.LdapUserOps {
		if opAllowed(op.Operation, userOps) {
			result.LdapUserOps = append(result.LdapUserOps, op)
		}
	}
	for _, op := range c.LdapGroupOps {
		if opAllowed(op.Operation, groupOps) {
			result.LdapGroupOps = append(result.LdapGroupOps, op)
		}
	}
	for _, op := range c.FsOps {
		if opAllowed(op.Operation, fsOps) {
			result.FsOps = append(result.FsOps, op)
		}
	}
	return result
}

func opAllowed(op StateOperation, allowed []StateOperation) bool {
	for _, a := range allowed {
		if a == op {
			return true
		}
	}
	return false
}
