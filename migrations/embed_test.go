package migrations

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate())
}

func TestList(t *testing.T) {
	files, err := List()

	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Zero(t, len(files)%2, "every migration needs an up and a down file")
	assert.True(t, sort.StringsAreSorted(files))
	assert.Equal(t, "001_create_namespaces.up.sql", files[1],
		"down sorts before up within a sequence")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     *Info
		wantErr  bool
	}{
		{
			name:     "valid up migration",
			filename: "005_create_run_lineage.up.sql",
			want: &Info{
				Sequence:  5,
				Name:      "create_run_lineage",
				Direction: "up",
				Filename:  "005_create_run_lineage.up.sql",
			},
		},
		{
			name:     "valid down migration",
			filename: "001_create_namespaces.down.sql",
			want: &Info{
				Sequence:  1,
				Name:      "create_namespaces",
				Direction: "down",
				Filename:  "001_create_namespaces.down.sql",
			},
		},
		{"two digit sequence", "01_name.up.sql", nil, true},
		{"missing direction", "001_name.sql", nil, true},
		{"unknown direction", "001_name.sideways.sql", nil, true},
		{"hyphen in name", "001_bad-name.up.sql", nil, true},
		{"wrong extension", "001_name.up.txt", nil, true},
		{"empty", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse(tt.filename)

			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, info)
		})
	}
}

func TestFS_ContainsAllListedFiles(t *testing.T) {
	files, err := List()
	require.NoError(t, err)

	for _, file := range files {
		f, err := FS().Open(file)

		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
}
