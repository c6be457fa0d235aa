package render

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bihealth/hpc-access-cli/api/records"
)

func testOps() *records.OperationsContainer {
	return &records.OperationsContainer{
		LdapGroupOps: []records.LdapGroupOp{
			{
				Operation: records.OpUpdate,
				Group:     &records.LdapGroup{CN: "hpc-ag-doe"},
				Diff:      map[string]any{"description": "Doe lab"},
			},
		},
		LdapUserOps: []records.LdapUserOp{
			{
				Operation: records.OpDisable,
				User:      &records.LdapUser{UID: "alice"},
			},
		},
		FsOps: []records.FsDirectoryOp{
			{
				Operation: records.OpCreate,
				Directory: &records.FsDirectory{Path: "/data/cephfs-1/home/users/alice"},
			},
		},
	}
}

// -- New --

func TestNewUnsupportedFormat(t *testing.T) {
	t.Parallel()

	_, err := New("yaml", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format: yaml")
}

// -- JSON --

func TestJSONRendererWritesIndented(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r, err := New(FormatJSON, &buf)
	require.NoError(t, err)

	require.NoError(t, r.Write(testOps()))
	require.NoError(t, r.Close())

	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\n"), "output should end with a newline")
	assert.Contains(t, out, "\n  \"ldap_user_ops\"")

	var decoded records.OperationsContainer
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, testOps(), &decoded)
}

// -- Table --

func TestTableRendererWritesOperations(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r, err := New(FormatTable, &buf)
	require.NoError(t, err)

	require.NoError(t, r.Write(testOps()))
	require.NoError(t, r.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)

	assert.Equal(t, []string{"KIND", "OPERATION", "SUBJECT", "CHANGES"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"----", "---------", "-------", "-------"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"ldap_group", "UPDATE", "hpc-ag-doe", "description"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"ldap_user", "DISABLE", "alice", "-"}, strings.Fields(lines[3]))
	assert.Equal(t, []string{"fs", "CREATE", "/data/cephfs-1/home/users/alice", "-"}, strings.Fields(lines[4]))
}

func TestTableRendererRejectsOtherPayloads(t *testing.T) {
	t.Parallel()

	r, err := New(FormatTable, &bytes.Buffer{})
	require.NoError(t, err)

	err = r.Write(map[string]string{"foo": "bar"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table format cannot render")
}

func TestDiffSummarySortsKeys(t *testing.T) {
	t.Parallel()

	diff := map[string]any{
		"loginShell": "/usr/sbin/nologin",
		"gidNumber":  1030001,
	}
	assert.Equal(t, "gidNumber,loginShell", diffSummary(diff))
	assert.Equal(t, "-", diffSummary(nil))
}
