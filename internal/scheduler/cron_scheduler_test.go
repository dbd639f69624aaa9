package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flow-manager/internal/model"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	defs []*model.Definition
}

func (r *recordingSubmitter) SubmitWorkflow(ctx context.Context, def *model.Definition) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = append(r.defs, def)
	return "wf-run", nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.defs)
}

func testDefinition() *model.Definition {
	return &model.Definition{
		ID:    "template",
		Name:  "report",
		Tasks: []model.TaskSpec{spec("collect"), spec("render", "collect")},
	}
}

func TestCronScheduler_AddRemove(t *testing.T) {
	s := NewCronScheduler(&recordingSubmitter{}, zaptest.NewLogger(t))

	schedule := &model.CronSchedule{Name: "report", Expression: "0 */5 * * * *", Definition: testDefinition()}
	require.NoError(t, s.AddSchedule(context.Background(), schedule))
	assert.NotEmpty(t, schedule.ID)
	require.NotNil(t, schedule.NextRunTime)

	got, err := s.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.NotSame(t, schedule, got)
	assert.Equal(t, schedule.ID, got.ID)
	assert.Equal(t, *schedule.NextRunTime, *got.NextRunTime)
	assert.Len(t, s.ListSchedules(), 1)

	require.NoError(t, s.RemoveSchedule(schedule.ID))
	_, err = s.GetSchedule(schedule.ID)
	assert.Error(t, err)
	assert.Error(t, s.RemoveSchedule(schedule.ID))
}

func TestCronScheduler_RejectsInvalidSchedules(t *testing.T) {
	s := NewCronScheduler(&recordingSubmitter{}, zaptest.NewLogger(t))

	err := s.AddSchedule(context.Background(), &model.CronSchedule{Expression: "not a cron", Definition: testDefinition()})
	assert.Error(t, err)

	cyclic := &model.Definition{Tasks: []model.TaskSpec{spec("a", "b"), spec("b", "a")}}
	err = s.AddSchedule(context.Background(), &model.CronSchedule{Expression: "* * * * * *", Definition: cyclic})
	assert.ErrorIs(t, err, ErrCircularDependency)

	err = s.AddSchedule(context.Background(), &model.CronSchedule{Expression: "* * * * * *"})
	assert.Error(t, err)
}

func TestCronScheduler_SubmitsFreshDefinitions(t *testing.T) {
	submitter := &recordingSubmitter{}
	s := NewCronScheduler(submitter, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	schedule := &model.CronSchedule{Name: "every-second", Expression: "* * * * * *", Definition: testDefinition()}
	require.NoError(t, s.AddSchedule(context.Background(), schedule))

	require.Eventually(t, func() bool { return submitter.count() >= 1 }, 3*time.Second, 50*time.Millisecond)

	submitter.mu.Lock()
	first := submitter.defs[0]
	submitter.mu.Unlock()
	assert.Empty(t, first.ID, "each run must get a new workflow id")
	assert.Equal(t, "report", first.Name)
	assert.NotSame(t, schedule.Definition, first)
	assert.Equal(t, "template", schedule.Definition.ID)
}

func TestCronScheduler_RunTimesReadableWhileFiring(t *testing.T) {
	submitter := &recordingSubmitter{}
	s := NewCronScheduler(submitter, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	schedule := &model.CronSchedule{ID: "tick", Name: "tick", Expression: "* * * * * *", Definition: testDefinition()}
	require.NoError(t, s.AddSchedule(context.Background(), schedule))
	require.NoError(t, s.AddSchedule(context.Background(), &model.CronSchedule{
		ID: "hourly", Expression: "0 0 * * * *", Definition: testDefinition(),
	}))

	require.Eventually(t, func() bool {
		got, err := s.GetSchedule("tick")
		if err != nil {
			return false
		}
		list := s.ListSchedules()
		return len(list) == 2 && list[0].ID == "hourly" && got.LastRunID == "wf-run" && got.NextRunTime != nil
	}, 3*time.Second, time.Millisecond)

	// The caller's value is not touched by later runs.
	assert.Empty(t, schedule.LastRunID)
}
