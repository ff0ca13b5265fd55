package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inventoryYAML = `
sites:
  hq:
    - dc01.corp.example
    - DC02.corp.example
  branch:
    - dc03.corp.example
    - dc01.corp.example
`

func TestResolve(t *testing.T) {
	inv, err := ParseInventory([]byte(inventoryYAML))
	require.NoError(t, err)
	r := NewResolver(inv)

	tests := []struct {
		name    string
		spec    Spec
		want    []types.Node
		wantErr bool
	}{
		{
			name: "explicit nodes keep operator spelling",
			spec: Explicit("DC02", "dc01", " dc02 "),
			want: []types.Node{"dc01", "DC02"},
		},
		{
			name:    "explicit without nodes",
			spec:    Explicit(),
			wantErr: true,
		},
		{
			name:    "explicit with blank nodes only",
			spec:    Explicit("", "  "),
			wantErr: true,
		},
		{
			name: "site",
			spec: Spec{Kind: KindSite, Site: "HQ"},
			want: []types.Node{"dc01.corp.example", "DC02.corp.example"},
		},
		{
			name:    "unknown site",
			spec:    Spec{Kind: KindSite, Site: "moon"},
			wantErr: true,
		},
		{
			name: "all",
			spec: Spec{Kind: KindAll},
			want: []types.Node{"dc01.corp.example", "DC02.corp.example", "dc03.corp.example"},
		},
		{
			name:    "unknown kind",
			spec:    Spec{Kind: "ou"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, fault.IsScopeError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveWithoutInventory(t *testing.T) {
	r := NewResolver(nil)

	got, err := r.Resolve(Explicit("dc01"))
	require.NoError(t, err)
	assert.Equal(t, []types.Node{"dc01"}, got)

	_, err = r.Resolve(Spec{Kind: KindAll})
	assert.True(t, fault.IsScopeError(err))
	_, err = r.Resolve(Spec{Kind: KindSite, Site: "hq"})
	assert.True(t, fault.IsScopeError(err))
}

func TestLoadInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventoryYAML), 0600))

	inv, err := LoadInventory(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"branch", "hq"}, inv.SiteNames())

	_, err = LoadInventory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, fault.IsScopeError(err))

	_, err = ParseInventory([]byte("sites: [not, a, map]"))
	assert.True(t, fault.IsScopeError(err))
}
