package services

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallymigrate/internal/rallytest"
	"rallymigrate/models"
)

func TestReleaseSync_SameNameDifferentProjects(t *testing.T) {
	s, beta, mc := destContext(t)
	p1 := s.Add("Project", rallytest.Object{"Name": "P1", "Parent": s.RefTo(beta)})
	p1a := s.Add("Project", rallytest.Object{"Name": "P1a", "Parent": s.RefTo(p1)})
	p2 := s.Add("Project", rallytest.Object{"Name": "P2", "Parent": s.RefTo(beta)})
	mc.Set(ClassProject, "11", p1.IDString())
	mc.Set(ClassProject, "12", p2.IDString())

	releases := []*models.Record{
		{ObjectID: 1, Type: "Release", Name: "R1", ReleaseStartDate: "2024-01-01", ReleaseDate: "2024-03-31",
			Project: ref(11, "P1")},
		{ObjectID: 2, Type: "Release", Name: "R1", ReleaseStartDate: "2024-01-01", ReleaseDate: "2024-03-31",
			Project: ref(12, "P2")},
	}

	rs := NewReleaseSync(testClient(s), mc, testRetrier())
	result, err := rs.Import(context.Background(), releases)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)

	id1, ok := mc.LookupRelease(models.ReleaseKey{Name: "R1", Project: "P1"})
	require.True(t, ok)
	id2, ok := mc.LookupRelease(models.ReleaseKey{Name: "R1", Project: "P2"})
	require.True(t, ok)
	assert.NotEqual(t, id1, id2)

	// カスケードで子プロジェクトに作られたリリースも登録される
	id3, ok := mc.LookupRelease(models.ReleaseKey{Name: "R1", Project: "P1a"})
	require.True(t, ok)
	assert.Equal(t, p1a.ID(), s.Object(mustInt(t, id3)).RefID("Project"))

	created := s.Object(mustInt(t, id1))
	assert.Equal(t, "Planning", created["State"])
	assert.Equal(t, "2024-03-31", created["ReleaseDate"])
	assert.Equal(t, p1.ID(), created.RefID("Project"))
}

func TestReleaseSync_CreateFailureIsSkipped(t *testing.T) {
	s, _, mc := destContext(t)
	s.FailCreates("Broken", -1)

	releases := []*models.Record{
		{ObjectID: 1, Type: "Release", Name: "Broken"},
		{ObjectID: 2, Type: "Release", Name: "Fine"},
	}
	result, err := NewReleaseSync(testClient(s), mc, testRetrier()).Import(context.Background(), releases)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)

	_, ok := mc.LookupRelease(models.ReleaseKey{Name: "Fine", Project: "Beta"})
	assert.True(t, ok, "a release without project lands in the destination root")
	_, ok = mc.LookupRelease(models.ReleaseKey{Name: "Broken", Project: "Beta"})
	assert.False(t, ok)
}

func TestReleaseSync_LookupFailureIsSkipped(t *testing.T) {
	s, _, mc := destContext(t)
	releases := []*models.Record{
		{ObjectID: 1, Type: "Release", Name: "Broken"},
		{ObjectID: 2, Type: "Release", Name: `Say "Hi"`},
	}
	dest := failingQuery{RallyService: testClient(s), query: `(Name = "Broken")`}

	result, err := NewReleaseSync(dest, mc, testRetrier()).Import(context.Background(), releases)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, []string{"1"}, result.Failed)

	_, ok := mc.LookupRelease(models.ReleaseKey{Name: "Broken", Project: "Beta"})
	assert.False(t, ok)
	id, ok := mc.LookupRelease(models.ReleaseKey{Name: `Say "Hi"`, Project: "Beta"})
	require.True(t, ok)
	assert.Equal(t, `Say "Hi"`, s.Object(mustInt(t, id)).Name())
}

func mustInt(t *testing.T, id string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(id, 10, 64)
	require.NoError(t, err)
	return n
}
