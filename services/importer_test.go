package services

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallymigrate/internal/rallytest"
	"rallymigrate/models"
)

func projectTree() []*models.Record {
	return []*models.Record{
		{ObjectID: 1, Type: "Project", Name: "P1", RealChildren: []*models.Record{
			{ObjectID: 2, Type: "Project", Name: "P1a", RealChildren: []*models.Record{
				{ObjectID: 3, Type: "Project", Name: "P1a-x"},
			}},
			{ObjectID: 4, Type: "Project", Name: "P1b"},
		}},
		{ObjectID: 5, Type: "Project", Name: "P2", RealChildren: []*models.Record{
			{ObjectID: 6, Type: "Project", Name: "P2a"},
		}},
		{ObjectID: 7, Type: "Project", Name: "P3"},
	}
}

func TestImportForest_ParentsBeforeChildren(t *testing.T) {
	s, beta, mc := destContext(t)
	im := NewImporter(testClient(s), mc, testRetrier(), 3)

	roots := projectTree()
	result, err := im.ImportForest(context.Background(), ClassProject, roots)
	require.NoError(t, err)
	assert.Equal(t, 7, result.Created)
	assert.Zero(t, result.Skipped)

	seen := map[string]bool{}
	for _, root := range roots {
		root.Walk(func(r *models.Record) {
			destID, ok := mc.Lookup(ClassProject, r.ID())
			require.True(t, ok, r.Name)
			assert.False(t, seen[destID], "one destination id per source id")
			seen[destID] = true

			created := s.FindByName("Project", r.Name)
			require.Len(t, created, 1)
			parentID := created[0].RefID("Parent")
			assert.Less(t, s.Seq(parentID), s.Seq(created[0].ID()), "%s created after its parent", r.Name)
		})
	}

	p1 := s.FindByName("Project", "P1")[0]
	assert.Equal(t, beta.ID(), p1.RefID("Parent"))
	assert.Equal(t, "Open", p1["State"])
	assert.Equal(t, s.Workspace.ID(), p1.RefID("Workspace"))
	p1a := s.FindByName("Project", "P1a")[0]
	assert.Equal(t, p1.ID(), p1a.RefID("Parent"))
}

func storyTree() *models.Record {
	return &models.Record{ObjectID: 10, Type: "HierarchicalRequirement", Name: "Story A",
		RealChildren: []*models.Record{
			{ObjectID: 11, Type: "HierarchicalRequirement", Name: "Story B"},
		}}
}

func TestImportTree_RetriesUntilSuccess(t *testing.T) {
	s, _, mc := destContext(t)
	s.FailCreates("Story A", 2)
	im := NewImporter(testClient(s), mc, testRetrier(), 1)

	result, err := im.ImportForest(context.Background(), ClassItem, []*models.Record{storyTree()})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Zero(t, result.Skipped)

	a := s.FindByName("HierarchicalRequirement", "Story A")
	require.Len(t, a, 1)
	b := s.FindByName("HierarchicalRequirement", "Story B")
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ID(), b[0].RefID("UnifiedParent"))
}

func TestImportTree_FailureSkipsSubtree(t *testing.T) {
	s, _, mc := destContext(t)
	s.FailCreates("Story A", -1)
	im := NewImporter(testClient(s), mc, testRetrier(), 1)

	sibling := &models.Record{ObjectID: 12, Type: "HierarchicalRequirement", Name: "Story C"}
	result, err := im.ImportForest(context.Background(), ClassItem, []*models.Record{storyTree(), sibling})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, []string{"10"}, result.Failed)
	assert.Empty(t, s.FindByName("HierarchicalRequirement", "Story B"))
	assert.Len(t, s.FindByName("HierarchicalRequirement", "Story C"), 1)

	_, ok := mc.Lookup(ClassItem, "11")
	assert.False(t, ok)
}

func TestImportTree_PortfolioItemBody(t *testing.T) {
	s, _, mc := destContext(t)
	alpha := s.Add("Project", rallytest.Object{"Name": "Alpha"})
	rel := s.Add("Release", rallytest.Object{"Name": "R1", "Project": s.RefTo(alpha)})
	est := s.Add("PreliminaryEstimate", rallytest.Object{"Name": "M", "Value": 5})

	mc.Ladder = NewTypeLadder(map[string]int{"PortfolioItem/Epic": 1, "PortfolioItem/Feature": 0},
		[]models.TypeDefinition{
			{TypePath: "PortfolioItem/Initiative", Ordinal: 1},
			{TypePath: "PortfolioItem/Feature", Ordinal: 0},
		})
	mc.Set(ClassProject, "1", alpha.IDString())
	mc.SetRelease(models.ReleaseKey{Name: "R1", Project: "Alpha"}, rel.IDString())
	mc.Estimates = models.IDMapping{"70": est.IDString()}

	points := decimal.RequireFromString("8")
	epic := &models.Record{ObjectID: 20, Type: "PortfolioItem/Epic", Name: "Epic", DisplayColor: "#ff0000",
		Project: ref(1, "Alpha"),
		RealChildren: []*models.Record{{
			ObjectID: 21, Type: "PortfolioItem/Feature", Name: "Feature",
			Project:             ref(1, "Alpha"),
			Release:             ref(60, "R1"),
			PreliminaryEstimate: ref(70, "M"),
			RealChildren: []*models.Record{{
				ObjectID: 22, Type: "HierarchicalRequirement", Name: "Story",
				Project: ref(1, "Alpha"), Release: ref(60, "R1"), PlanEstimate: &points,
			}},
		}},
	}

	im := NewImporter(testClient(s), mc, testRetrier(), 1)
	result, err := im.ImportForest(context.Background(), ClassItem, []*models.Record{epic})
	require.NoError(t, err)
	require.Equal(t, 3, result.Created)

	ini := s.Objects("PortfolioItem/Initiative")
	require.Len(t, ini, 1)
	assert.Equal(t, "#ff0000", ini[0]["DisplayColor"])
	assert.Equal(t, alpha.ID(), ini[0].RefID("Project"))

	feat := s.Objects("PortfolioItem/Feature")
	require.Len(t, feat, 1)
	assert.Equal(t, ini[0].ID(), feat[0].RefID("Parent"))
	assert.Equal(t, rel.ID(), feat[0].RefID("Release"))
	assert.Equal(t, est.ID(), feat[0].RefID("PreliminaryEstimate"))

	story := s.FindByName("HierarchicalRequirement", "Story")
	require.Len(t, story, 1)
	assert.Equal(t, feat[0].ID(), story[0].RefID("UnifiedParent"))
	assert.Equal(t, json.Number("8"), story[0]["PlanEstimate"])
	assert.Zero(t, mc.Misses())
}

func TestImportTree_MissingReleaseIsNull(t *testing.T) {
	s, _, mc := destContext(t)
	im := NewImporter(testClient(s), mc, testRetrier(), 1)

	node := &models.Record{ObjectID: 30, Type: "HierarchicalRequirement", Name: "Orphan",
		Release: &models.Ref{ObjectID: 99, RefObjectName: "Gone", ProjectName: "Nowhere"}}
	result, err := im.ImportForest(context.Background(), ClassItem, []*models.Record{node})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, int64(1), mc.Misses())

	created := s.FindByName("HierarchicalRequirement", "Orphan")
	require.Len(t, created, 1)
	assert.Zero(t, created[0].RefID("Release"))
}

// emptyCreate は指定した名前の作成に Object のない成功レスポンスを返します
type emptyCreate struct {
	RallyService
	name string
}

func (e emptyCreate) Create(ctx context.Context, typePath string, params url.Values, body interface{}) (json.RawMessage, error) {
	for _, inner := range body.(map[string]interface{}) {
		if fields, ok := inner.(map[string]interface{}); ok && fields["Name"] == e.name {
			return json.RawMessage("null"), nil
		}
	}
	return e.RallyService.Create(ctx, typePath, params, body)
}

func TestImportTree_MissingObjectSkipsSubtree(t *testing.T) {
	s, _, mc := destContext(t)
	im := NewImporter(emptyCreate{RallyService: testClient(s), name: "P1a"}, mc, testRetrier(), 1)

	result, err := im.ImportForest(context.Background(), ClassProject, projectTree())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Created)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, []string{"2"}, result.Failed)

	_, ok := mc.Lookup(ClassProject, "2")
	assert.False(t, ok)
	assert.Empty(t, s.FindByName("Project", "P1a-x"))
}
