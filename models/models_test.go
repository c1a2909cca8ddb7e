package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_ChildField(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		kind  Kind
		field string
	}{
		{"project", `{"_type":"Project","Children":{"_ref":"/project/1/Children","Count":1}}`, KindProject, ChildrenField},
		{"story", `{"_type":"HierarchicalRequirement"}`, KindRequirement, ChildrenField},
		{"upper portfolio item", `{"_type":"PortfolioItem/Initiative","Children":{"Count":2}}`, KindPortfolioItem, ChildrenField},
		{"leaf portfolio item", `{"_type":"PortfolioItem/Feature","UserStories":{"Count":3}}`, KindPortfolioItem, UserStoriesField},
		{"release", `{"_type":"Release"}`, KindRelease, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			require.NoError(t, json.Unmarshal([]byte(tt.json), &r))
			assert.Equal(t, tt.kind, r.Kind())
			assert.Equal(t, tt.field, r.ChildField())
		})
	}
}

func TestRecord_ChildCollection(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"_type":"PortfolioItem/Feature",
		"Children":{"_ref":"/c","Count":0},"UserStories":{"_ref":"/u","Count":2}}`), &r))
	coll := r.ChildCollection()
	require.NotNil(t, coll)
	assert.Equal(t, "/u", coll.Ref)
	assert.False(t, coll.Empty())

	var leaf Record
	require.NoError(t, json.Unmarshal([]byte(`{"_type":"Project","Children":{"_ref":"/c","Count":0}}`), &leaf))
	assert.True(t, leaf.ChildCollection().Empty())
}

func TestRecord_KindWithoutDecode(t *testing.T) {
	r := &Record{Type: "PortfolioItem/Epic"}
	assert.Equal(t, KindPortfolioItem, r.Kind())
	assert.Equal(t, ChildrenField, r.ChildField())
}

func TestRecord_WalkAndSize(t *testing.T) {
	root := &Record{Name: "A", RealChildren: []*Record{
		{Name: "B", RealChildren: []*Record{{Name: "C"}}},
		{Name: "D"},
	}}
	var names []string
	root.Walk(func(r *Record) { names = append(names, r.Name) })
	assert.Equal(t, []string{"A", "B", "C", "D"}, names)
	assert.Equal(t, 4, root.Size())
}

func TestRecord_StagedRoundTrip(t *testing.T) {
	src := `{"ObjectID":1,"_type":"PortfolioItem/Feature","Name":"F","PlanEstimate":5,
		"UserStories":{"Count":1},"realChildren":[{"ObjectID":2,"_type":"HierarchicalRequirement","Name":"S"}]}`
	var r Record
	require.NoError(t, json.Unmarshal([]byte(src), &r))
	require.Len(t, r.RealChildren, 1)
	assert.Equal(t, KindRequirement, r.RealChildren[0].Kind())
	assert.Equal(t, "5", r.PlanEstimate.String())

	data, err := json.Marshal(&r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"realChildren"`)
}

func TestRef_ID(t *testing.T) {
	var nilRef *Ref
	assert.Equal(t, "", nilRef.ID())
	assert.Equal(t, "12", (&Ref{ObjectID: 12}).ID())
	assert.Equal(t, "34", (&Ref{Ref: "https://rally1.rallydev.com/slm/webservice/v2.0/release/34"}).ID())
	assert.Equal(t, "", (&Ref{Ref: "/release/abc"}).ID())
	assert.Equal(t, "R1", (&Ref{RefObjectName: "R1"}).DisplayName())
}

func TestRecord_Denormalize(t *testing.T) {
	r := &Record{
		Project: &Ref{RefObjectName: "Alpha"},
		Release: &Ref{RefObjectName: "R1"},
	}
	r.Denormalize()
	assert.Equal(t, "Alpha", r.Release.ProjectName)
}

func TestReleaseMapping_JSON(t *testing.T) {
	m := ReleaseMapping{
		{Name: "R1", Project: "P1"}:         "100",
		{Name: "R1", Project: "P2"}:         "200",
		{Name: "Q__1", Project: "Team"}:     "300",
		{Name: "R1__Team", Project: "Blue"}: "400",
		{Name: "R1", Project: "Team__Blue"}: "500",
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"Name":"R1","Project":"P1","ID":"100"}`)

	var back ReleaseMapping
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m, back)
	assert.Equal(t, "500", back[ReleaseKey{Name: "R1", Project: "Team__Blue"}])
	assert.Equal(t, "400", back[ReleaseKey{Name: "R1__Team", Project: "Blue"}])
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindCapacityPlan, KindOf("WorkingCapacityPlan"))
	assert.Equal(t, KindUnknown, KindOf("Defect"))
	assert.Equal(t, "hierarchicalrequirement", KindRequirement.String())
}
