package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallymigrate/models"
)

func TestResolver_ProjectRef(t *testing.T) {
	mc := NewMigrationContext("9", "100")
	mc.Set(ClassProject, "1", "101")
	r := mc.Resolver()

	assert.Equal(t, "/project/101", r.ProjectRef(ref(1, "Alpha")))
	assert.Equal(t, "/project/100", r.ProjectRef(nil), "no project falls back to the root")
	assert.Equal(t, "", r.ProjectRef(ref(2, "Unknown")))
	assert.Equal(t, int64(1), mc.Misses())
	assert.Equal(t, "/workspace/9", r.WorkspaceRef())
}

func TestResolver_ReleaseKeyDistinct(t *testing.T) {
	mc := NewMigrationContext("9", "100")
	mc.SetRelease(models.ReleaseKey{Name: "R1", Project: "P1"}, "501")
	mc.SetRelease(models.ReleaseKey{Name: "R1", Project: "P2"}, "502")
	r := mc.Resolver()

	rel := &models.Ref{ObjectID: 7, RefObjectName: "R1"}
	assert.Equal(t, "/release/501", r.ReleaseRef(rel, "P1"))
	assert.Equal(t, "/release/502", r.ReleaseRef(rel, "P2"))

	rel.ProjectName = "P2"
	assert.Equal(t, "/release/502", r.ReleaseRef(rel, ""), "denormalized project name is used")

	assert.Equal(t, "", r.ReleaseRef(rel, "P3"))
	assert.Equal(t, "", r.ReleaseRef(nil, "P1"))
	assert.Equal(t, int64(1), mc.Misses())
}

func TestResolver_ItemRefUsesLadder(t *testing.T) {
	mc := NewMigrationContext("9", "100")
	mc.Ladder = NewTypeLadder(map[string]int{"PortfolioItem/Feature": 0},
		[]models.TypeDefinition{{TypePath: "PortfolioItem/Capability", Ordinal: 0}})
	mc.Set(ClassItem, "5", "505")
	mc.Set(ClassItem, "6", "506")
	r := mc.Resolver()

	assert.Equal(t, "/portfolioitem/capability/505", r.ItemRef(&models.Ref{ObjectID: 5, Type: "PortfolioItem/Feature"}))
	assert.Equal(t, "/hierarchicalrequirement/506", r.ItemRef(&models.Ref{ObjectID: 6, Type: "HierarchicalRequirement"}))
	assert.Equal(t, "", r.ItemRef(&models.Ref{ObjectID: 7}))
}

func TestResolver_EstimateAndPlan(t *testing.T) {
	mc := NewMigrationContext("9", "100")
	mc.Estimates = models.IDMapping{"3": "303"}
	mc.Set(ClassPlan, "4", "404")
	r := mc.Resolver()

	assert.Equal(t, "/preliminaryestimate/303", r.EstimateRef(ref(3, "M")))
	assert.Equal(t, "/workingcapacityplan/404", r.PlanRef(ref(4, "Plan")))
	assert.Nil(t, nullable(r.PlanRef(ref(5, "Other"))))
}

func TestMigrationContext_SaveLoad(t *testing.T) {
	store := NewStagingStore(testConfig(t))
	mc := NewMigrationContext("9", "100")
	mc.Set(ClassProject, "1", "101")
	mc.SetRelease(models.ReleaseKey{Name: "R1", Project: "Alpha"}, "501")
	mc.SetRelease(models.ReleaseKey{Name: "R1", Project: "Team__Blue"}, "502")

	require.NoError(t, mc.Save(store, ClassProject))
	require.NoError(t, mc.Save(store, ClassRelease))

	loaded := NewMigrationContext("9", "100")
	ok, err := loaded.Load(store, ClassProject)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = loaded.Load(store, ClassRelease)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = loaded.Load(store, ClassItem)
	require.NoError(t, err)
	assert.False(t, ok)

	id, found := loaded.Lookup(ClassProject, "1")
	assert.True(t, found)
	assert.Equal(t, "101", id)
	id, found = loaded.LookupRelease(models.ReleaseKey{Name: "R1", Project: "Alpha"})
	assert.True(t, found)
	assert.Equal(t, "501", id)
	id, found = loaded.LookupRelease(models.ReleaseKey{Name: "R1", Project: "Team__Blue"})
	assert.True(t, found)
	assert.Equal(t, "502", id)
	assert.Equal(t, 2, loaded.Len(ClassRelease))
}
