package records_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bihealth/hpc-access-cli/api/records"
)

func strPtr(s string) *string { return &s }

func TestParseGecos(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		input    string
		expected records.Gecos
	}{
		{
			name:  "AllFields",
			input: "Jane Doe,CBF,+49 30 1234,+49 30 5678,misc",
			expected: records.Gecos{
				FullName:       strPtr("Jane Doe"),
				OfficeLocation: strPtr("CBF"),
				OfficePhone:    strPtr("+49 30 1234"),
				HomePhone:      strPtr("+49 30 5678"),
				Other:          strPtr("misc"),
			},
		},
		{
			name:  "ShortString",
			input: "Jane Doe",
			expected: records.Gecos{
				FullName: strPtr("Jane Doe"),
			},
		},
		{
			name:  "NoneLiteralTreatedAsUnset",
			input: "Jane Doe,None,+49 30 1234,None,None",
			expected: records.Gecos{
				FullName:    strPtr("Jane Doe"),
				OfficePhone: strPtr("+49 30 1234"),
			},
		},
		{
			name:     "Empty",
			input:    "",
			expected: records.Gecos{},
		},
		{
			name:  "ExtraCommasLandInOther",
			input: "a,b,c,d,e,f,g",
			expected: records.Gecos{
				FullName:       strPtr("a"),
				OfficeLocation: strPtr("b"),
				OfficePhone:    strPtr("c"),
				HomePhone:      strPtr("d"),
				Other:          strPtr("e,f,g"),
			},
		},
	}
	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := records.ParseGecos(tt.input)
			require.NotNil(t, got)
			assert.Equal(t, tt.expected, *got)
		})
	}
}

func TestGecosString(t *testing.T) {
	t.Parallel()

	g := records.Gecos{
		FullName:    strPtr("Jane Doe"),
		OfficePhone: strPtr("+49 30 1234"),
	}
	assert.Equal(t, "Jane Doe,,+49 30 1234,,", g.String())

	empty := records.Gecos{}
	assert.Equal(t, ",,,,", empty.String())
}

func TestGecosRoundTrip(t *testing.T) {
	t.Parallel()
	// A formatted GECOS string must parse back to equal parts.
	in := "Jane Doe,,+49 30 1234,,"
	assert.Equal(t, in, records.ParseGecos(in).String())
}

func TestLdapUserAttributes(t *testing.T) {
	t.Parallel()

	gid := 1000
	user := records.LdapUser{
		CN:            "Jane Doe",
		DN:            "cn=Jane Doe,ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org",
		UID:           "doej",
		Mail:          strPtr("jane.doe@example.org"),
		SN:            strPtr("Doe"),
		GivenName:     strPtr("Jane"),
		UIDNumber:     2000,
		GIDNumber:     &gid,
		HomeDirectory: "/data/cephfs-1/home/users/doej",
		LoginShell:    "/usr/bin/bash",
		Gecos:         records.ParseGecos("Jane Doe,,+49 30 1234,,"),
		SSHPublicKeys: []string{"ssh-ed25519 AAAA"},
	}

	attrs := user.Attributes()
	assert.Equal(t, "doej", attrs["uid"])
	assert.Equal(t, 2000, attrs["uidNumber"])
	assert.Equal(t, 1000, attrs["gidNumber"])
	assert.Equal(t, "Jane Doe,,+49 30 1234,,", attrs["gecos"])
	assert.Equal(t, []string{"ssh-ed25519 AAAA"}, attrs["sshPublicKey"])

	// Unset optional fields must compare as nil, not as typed zero values.
	bare := records.LdapUser{CN: "X", DN: "cn=X", UID: "x", UIDNumber: 1}
	bareAttrs := bare.Attributes()
	assert.Nil(t, bareAttrs["mail"])
	assert.Nil(t, bareAttrs["gidNumber"])
	assert.Nil(t, bareAttrs["gecos"])
	assert.Equal(t, []string{}, bareAttrs["sshPublicKey"])
}

func TestLdapGroupAttributes(t *testing.T) {
	t.Parallel()

	groupGID := 5000
	group := records.LdapGroup{
		CN:          "hpc-ag-doe",
		DN:          "cn=hpc-ag-doe,ou=Teams,ou=Groups,dc=hpc,dc=bihealth,dc=org",
		GIDNumber:   &groupGID,
		Description: strPtr("Doe lab"),
		OwnerDN:     strPtr("cn=Jane Doe,ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org"),
		DelegateDNs: []string{"cn=John Roe,ou=Charite,ou=Users,dc=hpc,dc=bihealth,dc=org"},
		MemberUIDs:  []string{"doej", "roej"},
	}

	attrs := group.Attributes()
	assert.Equal(t, "hpc-ag-doe", attrs["cn"])
	assert.Equal(t, 5000, attrs["gidNumber"])
	assert.Equal(t, "Doe lab", attrs["description"])
	assert.Equal(t, []string{"doej", "roej"}, attrs["memberUid"])

	bare := records.LdapGroup{CN: "hpc-users", DN: "cn=hpc-users"}
	assert.Nil(t, bare.Attributes()["gidNumber"])
	assert.Nil(t, bare.Attributes()["bih-groupOwnerDN"])
	assert.Equal(t, []string{}, bare.Attributes()["bih-groupDelegateDNs"])
}
