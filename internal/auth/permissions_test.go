package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermission(t *testing.T) {
	cases := []struct {
		in      string
		want    Permission
		wantErr bool
	}{
		{in: "access sahbandar", want: Access(ServiceSahbandar)},
		{in: "manage system", want: Manage(ServiceSystem)},
		{in: "  Manage   EPIT ", want: Manage(ServiceEPIT)},
		{in: "access", wantErr: true},
		{in: "access sahbandar extra", wantErr: true},
		{in: "delete spb", wantErr: true},
		{in: "access shtix", wantErr: true},
		{in: "access_sahbandar", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePermission(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, MustParsePermission(got.String()))
		})
	}
}

func TestBuiltinCatalog(t *testing.T) {
	cat := BuiltinCatalog()

	assert.ElementsMatch(t, []string{"access sahbandar", "manage sahbandar"}, cat[RoleSahbandar].Strings())
	assert.Len(t, cat[RoleUser], len(DownstreamServices))
	for _, svc := range DownstreamServices {
		assert.True(t, cat[RoleUser].Has(Access(svc)))
		assert.False(t, cat[RoleUser].Has(Manage(svc)))
		assert.True(t, cat[RoleAdmin].Has(Manage(svc)))
	}
	assert.True(t, cat[RoleAdmin].Has(Manage(ServiceSystem)))
	assert.Len(t, cat[RoleSuperAdmin], 2*len(DownstreamServices)+2)
}

func TestPermissionSetStringsSorted(t *testing.T) {
	set := NewPermissionSet(Manage(ServiceSPB), Access(ServiceEPIT), Access(ServiceEPIT))
	assert.Equal(t, []string{"access epit", "manage spb"}, set.Strings())
}
