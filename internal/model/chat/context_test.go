package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestSanitizeDropsUnknownValues(t *testing.T) {
	ctx := &PageContext{
		CurrentNode:    "  Airway Epithelium ",
		PageType:       PageType("billing_dashboard"),
		VisibleData:    []string{"umap", "UNKNOWN_TAG", " Cell_Types "},
		CurrentProgram: "P12",
	}

	clean := ctx.Sanitize()
	require.Equal(t, "Airway Epithelium", clean.CurrentNode)
	require.Equal(t, "P12", clean.CurrentProgram)
	require.Empty(t, clean.PageType)
	require.Equal(t, []string{"umap", "cell_types"}, clean.VisibleData)
}

func TestSanitizeBoundsNodeInfo(t *testing.T) {
	ctx := &PageContext{
		PageType: PageTypeNodeOverview,
		NodeInfo: &NodeInfo{
			CellCount:    int64Ptr(-5),
			GeneCount:    int64Ptr(2_000_000_000),
			ProgramCount: int64Ptr(42),
		},
	}

	clean := ctx.Sanitize()
	require.NotNil(t, clean.NodeInfo)
	require.Nil(t, clean.NodeInfo.CellCount)
	require.Nil(t, clean.NodeInfo.GeneCount)
	require.Equal(t, int64(42), *clean.NodeInfo.ProgramCount)
}

func TestSanitizeFullyGarbageContextIsEmpty(t *testing.T) {
	ctx := &PageContext{
		PageType:    PageType("nonsense"),
		VisibleData: []string{"nope"},
		NodeInfo:    &NodeInfo{CellCount: int64Ptr(-1)},
	}

	clean := ctx.Sanitize()
	require.True(t, clean.IsEmpty())
	require.True(t, (*PageContext)(nil).IsEmpty())
}

func TestDecodeDropsUnrecognizedFields(t *testing.T) {
	raw := []byte(`{"current_node":"Lung","page_type":"node_overview","injected_field":"x","node_info":{"cell_count":100,"extra":true}}`)

	var ctx PageContext
	require.NoError(t, json.Unmarshal(raw, &ctx))
	require.Equal(t, "Lung", ctx.CurrentNode)
	require.Equal(t, PageTypeNodeOverview, ctx.PageType)
	require.Equal(t, int64(100), *ctx.NodeInfo.CellCount)
}
