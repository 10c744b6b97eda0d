package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
)

func TestAddWorkflowValidatesGraph(t *testing.T) {
	r := New()
	w := &model.Workflow{
		Name:   "w1",
		Active: true,
		Tasks: []*model.Task{
			{Name: "task1"},
			{Name: "task2"},
			{Name: "task3", DependsOn: []string{"task1", "task2"}},
		},
	}
	require.NoError(t, r.AddWorkflow(w))

	got, ok := r.GetWorkflow("w1")
	require.True(t, ok)
	assert.Equal(t, "w1", got.Name)

	task, ok := r.GetTask("task3")
	require.True(t, ok)
	assert.Equal(t, "w1", task.WorkflowName)
}

func TestAddWorkflowRejectsCycle(t *testing.T) {
	r := New()
	w := &model.Workflow{
		Name: "cyclic",
		Tasks: []*model.Task{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}
	err := r.AddWorkflow(w)
	require.Error(t, err)
}

func TestAddWorkflowRejectsDuplicate(t *testing.T) {
	r := New()
	w := &model.Workflow{Name: "w1"}
	require.NoError(t, r.AddWorkflow(w))
	err := r.AddWorkflow(&model.Workflow{Name: "w1"})
	require.Error(t, err)
}

func TestAddTaskRejectsWorkflowMember(t *testing.T) {
	r := New()
	err := r.AddTask(&model.Task{Name: "t1", WorkflowName: "w1"})
	require.Error(t, err)
}

func TestAddTaskRejectsDependencies(t *testing.T) {
	r := New()
	err := r.AddTask(&model.Task{Name: "t1", DependsOn: []string{"ghost"}})
	require.Error(t, err)
}

func TestGetTaskFallsBackToWorkflowMembers(t *testing.T) {
	r := New()
	require.NoError(t, r.AddTask(&model.Task{Name: "standalone"}))
	require.NoError(t, r.AddWorkflow(&model.Workflow{
		Name:  "w1",
		Tasks: []*model.Task{{Name: "member"}},
	}))

	_, ok := r.GetTask("standalone")
	assert.True(t, ok)
	_, ok = r.GetTask("member")
	assert.True(t, ok)
	_, ok = r.GetTask("nope")
	assert.False(t, ok)
}

func TestParamsSchemaValidation(t *testing.T) {
	r := New()
	task := &model.Task{
		Name:         "t1",
		Params:       map[string]any{"count": "not-a-number"},
		ParamsSchema: `{"type":"object","properties":{"count":{"type":"number"}},"required":["count"]}`,
	}
	err := r.AddTask(task)
	require.Error(t, err)
}
