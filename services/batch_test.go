package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallymigrate/internal/rallytest"
)

func TestBatchBuilder_SlotReferences(t *testing.T) {
	b := NewBatchBuilder()
	require.NoError(t, b.Add("plan", PlanPath, map[string]interface{}{"Name": "Plan"}))
	planRef, err := b.Ref("plan")
	require.NoError(t, err)
	require.NoError(t, b.Add("project:1", PlanProjectPath, map[string]interface{}{"CapacityPlan": planRef}))

	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/workingcapacityplanproject/create", entries[1].Path)

	data, err := json.Marshal(entries[1].Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"WorkingCapacityPlanProject":{"CapacityPlan":"$0"}}`, string(data))
}

func TestBatchBuilder_Rejects(t *testing.T) {
	b := NewBatchBuilder()
	require.NoError(t, b.Add("plan", PlanPath, map[string]interface{}{"Name": "Plan"}))

	err := b.Add("plan", PlanPath, map[string]interface{}{"Name": "Again"})
	assert.True(t, errors.Is(err, errors.AlreadyExists))

	err = b.Add("item", PlanItemPath, map[string]interface{}{"CapacityPlan": SlotRef{Slot: "later", index: 3}})
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.False(t, b.Has("item"))

	_, err = b.Ref("missing")
	assert.True(t, errors.Is(err, errors.NotFound))

	_, err = b.Result("plan")
	assert.Error(t, err, "results are unknown before submission")
}

func TestBatchBuilder_Submit(t *testing.T) {
	s := rallytest.NewServer(t)
	b := NewBatchBuilder()
	require.NoError(t, b.Add("plan", PlanPath, map[string]interface{}{"Name": "Plan"}))
	planRef, _ := b.Ref("plan")
	require.NoError(t, b.Add("project", PlanProjectPath, map[string]interface{}{"CapacityPlan": planRef}))

	require.NoError(t, b.Submit(context.Background(), testClient(s)))

	planID, err := b.Result("plan")
	require.NoError(t, err)
	projectID, err := b.Result("project")
	require.NoError(t, err)

	plans := s.Objects("WorkingCapacityPlan")
	require.Len(t, plans, 1)
	assert.Equal(t, plans[0].IDString(), planID)
	projects := s.Objects("WorkingCapacityPlanProject")
	require.Len(t, projects, 1)
	assert.Equal(t, projects[0].IDString(), projectID)
	assert.Equal(t, plans[0].ID(), projects[0].RefID("CapacityPlan"))
}
