package spec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func graphFixture() *Workflow {
	return &Workflow{
		ID: "wf1", Name: "fiber-install", Status: StatusDraft, Version: 1,
		Nodes: []Node{
			{
				ID: "n2", WorkflowID: "wf1", Name: "Install",
				CompletionRule: AllTasksDone,
				Tasks: []Task{
					{ID: "t3", NodeID: "n2", Name: "Mount hardware", DisplayOrder: 1,
						Outcomes: []Outcome{{Name: "DONE"}, {Name: "REWORK"}}},
				},
			},
			{
				ID: "n1", WorkflowID: "wf1", Name: "Survey", IsEntry: true,
				CompletionRule: AllTasksDone,
				Tasks: []Task{
					{ID: "t2", NodeID: "n1", Name: "Confirm access", DisplayOrder: 2,
						Outcomes: []Outcome{{Name: "DONE"}}},
					{ID: "t1", NodeID: "n1", Name: "Walk site", DisplayOrder: 1,
						Outcomes: []Outcome{{Name: "DONE"}}},
				},
			},
		},
		Gates: []Gate{
			{SourceNodeID: "n1", OutcomeName: "DONE", TargetNodeID: strptr("n2")},
			{SourceNodeID: "n2", OutcomeName: "DONE", TargetNodeID: nil},
			{SourceNodeID: "n2", OutcomeName: "REWORK", TargetNodeID: strptr("n1")},
		},
	}
}

func TestNodeAndTaskLookup(t *testing.T) {
	w := graphFixture()

	require.NotNil(t, w.Node("n1"))
	assert.Nil(t, w.Node("ghost"))

	node, task := w.Task("t3")
	require.NotNil(t, task)
	assert.Equal(t, "n2", node.ID)
	assert.Equal(t, "Mount hardware", task.Name)

	node, task = w.Task("ghost")
	assert.Nil(t, node)
	assert.Nil(t, task)
}

func TestAnchorTaskPicksFirstEntryTask(t *testing.T) {
	w := graphFixture()
	node, task := w.AnchorTask()
	require.NotNil(t, task)
	assert.Equal(t, "n1", node.ID)
	// Lowest display order wins, not slice position.
	assert.Equal(t, "t1", task.ID)
}

func TestAnchorTaskPrefersEntryNodesByName(t *testing.T) {
	w := graphFixture()
	w.Nodes[0].IsEntry = true // "Install" sorts before "Survey"
	_, task := w.AnchorTask()
	require.NotNil(t, task)
	assert.Equal(t, "t3", task.ID)
}

func TestAnchorTaskNilWithoutEntryTasks(t *testing.T) {
	w := graphFixture()
	w.Nodes[1].IsEntry = false
	node, task := w.AnchorTask()
	assert.Nil(t, node)
	assert.Nil(t, task)
}

func TestGatesFrom(t *testing.T) {
	w := graphFixture()
	gates := w.GatesFrom("n2", "REWORK")
	require.Len(t, gates, 1)
	assert.Equal(t, "n1", *gates[0].TargetNodeID)
	assert.Empty(t, w.GatesFrom("n1", "REWORK"))
}

func TestSortedTasksLeavesReceiverAlone(t *testing.T) {
	w := graphFixture()
	n := w.Node("n1")
	sorted := n.SortedTasks()
	assert.Equal(t, []string{"t1", "t2"}, []string{sorted[0].ID, sorted[1].ID})
	assert.Equal(t, "t2", n.Tasks[0].ID)
}

func TestSortedTasksBreaksTiesByName(t *testing.T) {
	n := &Node{Tasks: []Task{
		{ID: "b", Name: "Beta", DisplayOrder: 1},
		{ID: "a", Name: "Alpha", DisplayOrder: 1},
	}}
	sorted := n.SortedTasks()
	assert.Equal(t, "a", sorted[0].ID)
}

func TestTaskOutcomeAndScheduling(t *testing.T) {
	_, task := graphFixture().Task("t3")
	assert.True(t, task.HasOutcome("REWORK"))
	assert.False(t, task.HasOutcome("DONE "))

	assert.False(t, task.SchedulingEnabled())
	task.Metadata.Scheduling = &SchedulingMeta{}
	assert.False(t, task.SchedulingEnabled())
	task.Metadata.Scheduling.Enabled = true
	assert.True(t, task.SchedulingEnabled())
}

func TestStatusEditable(t *testing.T) {
	assert.True(t, StatusDraft.Editable())
	assert.False(t, StatusValidated.Editable())
	assert.False(t, StatusPublished.Editable())
}

func TestCloneIsDeep(t *testing.T) {
	w := graphFixture()
	hours := 48
	w.Nodes[1].Tasks[1].DefaultSLAHours = &hours
	w.Nodes[1].Tasks[1].EvidenceSchema = json.RawMessage(`{"type":"object"}`)
	w.Nodes[1].Tasks[1].Metadata = TaskMetadata{
		Scheduling: &SchedulingMeta{Enabled: true},
		Raw:        json.RawMessage(`{"scheduling":{"enabled":true},"color":"teal"}`),
	}

	cp := w.Clone()
	cp.Nodes[1].Tasks[1].Outcomes[0].Name = "CHANGED"
	*cp.Nodes[1].Tasks[1].DefaultSLAHours = 1
	cp.Nodes[1].Tasks[1].Metadata.Scheduling.Enabled = false
	*cp.Gates[0].TargetNodeID = "elsewhere"

	assert.Equal(t, "DONE", w.Nodes[1].Tasks[1].Outcomes[0].Name)
	assert.Equal(t, 48, *w.Nodes[1].Tasks[1].DefaultSLAHours)
	assert.True(t, w.Nodes[1].Tasks[1].Metadata.Scheduling.Enabled)
	assert.Equal(t, "n2", *w.Gates[0].TargetNodeID)

	var nilw *Workflow
	assert.Nil(t, nilw.Clone())
}
