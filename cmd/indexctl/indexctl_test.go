package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/lineage"
	"github.com/emergent-company/catalog-sync/domain/retryqueue"
)

func TestCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "status"},
		{"retry", "list"},
		{"retry", "sweep"},
		{"retry", "requeue"},
		{"reindex", "status"},
		{"repair-embeddings"},
		{"lineage"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestParseStatus(t *testing.T) {
	st, err := parseStatus(" failed_permanent ")
	require.NoError(t, err)
	assert.Equal(t, retryqueue.StatusFailedPermanent, st)

	st, err = parseStatus("")
	require.NoError(t, err)
	assert.Empty(t, st)

	_, err = parseStatus("done")
	assert.Error(t, err)
}

func TestLineageParams(t *testing.T) {
	defaults := lineage.Params{
		Directions:      []catalog.Direction{catalog.Upstream, catalog.Downstream},
		UpstreamDepth:   3,
		DownstreamDepth: 3,
		PageSize:        50,
		EdgeBudget:      1000,
	}

	tests := []struct {
		name    string
		args    []string
		flags   []string
		want    lineage.Params
		wantErr string
	}{
		{
			name: "defaults kept",
			args: []string{"e1"},
			want: func() lineage.Params { p := defaults; p.EntityID = "e1"; return p }(),
		},
		{
			name:  "depth then per-direction override",
			args:  []string{"e1"},
			flags: []string{"--depth=5", "--downstream-depth=2", "--direction=downstream", "--edge-budget=10"},
			want: lineage.Params{
				EntityID:        "e1",
				Directions:      []catalog.Direction{catalog.Downstream},
				UpstreamDepth:   5,
				DownstreamDepth: 2,
				PageSize:        50,
				EdgeBudget:      10,
			},
		},
		{
			name:  "by fqn",
			flags: []string{"--fqn=svc.db.orders", "--type=table"},
			want: func() lineage.Params {
				p := defaults
				p.FQN, p.EntityType = "svc.db.orders", "table"
				return p
			}(),
		},
		{
			name:  "zero passes through for the service to reject",
			args:  []string{"e1"},
			flags: []string{"--page-size=0"},
			want:  func() lineage.Params { p := defaults; p.EntityID = "e1"; p.PageSize = 0; return p }(),
		},
		{name: "no root", wantErr: "required"},
		{name: "both roots", args: []string{"e1"}, flags: []string{"--fqn=x"}, wantErr: "not both"},
		{name: "bad direction", args: []string{"e1"}, flags: []string{"--direction=sideways"}, wantErr: "--direction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newLineageCommand(&globalFlags{})
			require.NoError(t, cmd.ParseFlags(tt.flags))

			f := &lineageFlags{}
			f.fqn, _ = cmd.Flags().GetString("fqn")
			f.entityType, _ = cmd.Flags().GetString("type")
			f.direction, _ = cmd.Flags().GetString("direction")
			f.depth, _ = cmd.Flags().GetInt("depth")
			f.upstream, _ = cmd.Flags().GetInt("upstream-depth")
			f.downstream, _ = cmd.Flags().GetInt("downstream-depth")
			f.pageSize, _ = cmd.Flags().GetInt("page-size")
			f.budget, _ = cmd.Flags().GetInt("edge-budget")

			got, err := f.params(defaults, tt.args, cmd.Flags())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
