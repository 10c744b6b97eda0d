package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityCritical.Less(PriorityHigh))
	assert.True(t, PriorityHigh.Less(PriorityNormal))
	assert.True(t, PriorityNormal.Less(PriorityLow))
	assert.False(t, PriorityLow.Less(PriorityCritical))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusDequeued.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusRetry.Terminal())
}

func TestScheduledUnique(t *testing.T) {
	ts := time.Date(2017, 6, 4, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, "scheduled_2017-06-04T06:00:00Z", ScheduledUnique(ts))
}

func TestToposortLevels(t *testing.T) {
	// {task1, task2} -> task3 -> task4.
	tasks := []*Task{
		{Name: "task1"},
		{Name: "task2"},
		{Name: "task3", DependsOn: []string{"task1", "task2"}},
		{Name: "task4", DependsOn: []string{"task3"}},
	}
	levels, err := Toposort("w1", tasks)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.ElementsMatch(t, []string{"task1", "task2"}, levels[0])
	assert.Equal(t, []string{"task3"}, levels[1])
	assert.Equal(t, []string{"task4"}, levels[2])
}

func TestToposortRejectsCycle(t *testing.T) {
	tasks := []*Task{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}
	_, err := Toposort("cyclic", tasks)
	require.Error(t, err)
	var graphErr *DependencyGraphError
	require.ErrorAs(t, err, &graphErr)
}

func TestToposortRejectsSelfDependency(t *testing.T) {
	tasks := []*Task{{Name: "a", DependsOn: []string{"a"}}}
	_, err := Toposort("selfdep", tasks)
	require.Error(t, err)
}

func TestToposortRejectsUnknownDependency(t *testing.T) {
	tasks := []*Task{{Name: "a", DependsOn: []string{"ghost"}}}
	_, err := Toposort("unknown", tasks)
	require.Error(t, err)
}

func TestToposortRejectsDuplicateTask(t *testing.T) {
	tasks := []*Task{{Name: "a"}, {Name: "a"}}
	_, err := Toposort("dup", tasks)
	require.Error(t, err)
}

func TestTaskMaxAttemptsAndPushed(t *testing.T) {
	task := &Task{Retries: 2}
	assert.Equal(t, 3, task.MaxAttempts())
	assert.False(t, task.Pushed())
	task.PushDestination = "aws-batch"
	assert.True(t, task.Pushed())
}
