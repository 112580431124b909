package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
)

func newAttemptStateFixture(t *testing.T, policy string) (*scormFixture, models.Attempt, AttemptStateService, *stubReporter) {
	t.Helper()

	f := newScormFixture(t)
	resource := f.createResource(t, func(r *models.Resource) { r.ReportMarkTime = policy })
	attempt := f.createAttempt(t, resource, nil)
	reporter := &stubReporter{}
	svc := NewAttemptStateService(AttemptStateDependencies{
		DB:        f.db,
		Attempts:  f.attempts,
		Resources: f.resources,
		Elements:  f.elements,
		Reporter:  reporter,
		Locker:    f.locker,
		Logger:    testLogger(),
	})
	return f, attempt, svc, reporter
}

func TestAttemptStateScaledScoreNewerThanGuard(t *testing.T) {
	orders := map[string][]int{
		"in order":     {0, 1},
		"out of order": {1, 0},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)
			ctx := context.Background()

			elements := []models.ScormElement{
				f.write(t, attempt.ID, models.KeyScoreScaled, "0.4", 1, 0),
				f.write(t, attempt.ID, models.KeyScoreScaled, "0.9", 2, 0),
			}

			for _, idx := range order {
				_, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{elements[idx]})
				require.NoError(t, err)
			}

			reloaded := f.reload(t, attempt.ID)
			require.Equal(t, 0.9, reloaded.ScaledScore)
			require.NotNil(t, reloaded.ScaledScoreElementID)
			require.Equal(t, elements[1].ID, *reloaded.ScaledScoreElementID)
		})
	}
}

func TestAttemptStateCounterBreaksTies(t *testing.T) {
	f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)

	low := f.write(t, attempt.ID, models.KeyScoreScaled, "0.1", 1, 4)
	high := f.write(t, attempt.ID, models.KeyScoreScaled, "0.2", 1, 5)

	_, err := svc.Apply(context.Background(), attempt.ID, []models.ScormElement{high, low})
	require.NoError(t, err)
	require.Equal(t, 0.2, f.reload(t, attempt.ID).ScaledScore)
}

func TestAttemptStateIgnoresUnparseableScore(t *testing.T) {
	f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)

	bad := f.write(t, attempt.ID, models.KeyScoreScaled, "not a number", 1, 0)

	change, err := svc.Apply(context.Background(), attempt.ID, []models.ScormElement{bad})
	require.NoError(t, err)
	require.False(t, change.ScaledChanged)

	reloaded := f.reload(t, attempt.ID)
	require.Zero(t, reloaded.ScaledScore)
	require.Nil(t, reloaded.ScaledScoreElementID)
}

func TestAttemptStateCompletionLifecycle(t *testing.T) {
	f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)
	ctx := context.Background()

	done := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 10, 0)
	change, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{done})
	require.NoError(t, err)
	require.True(t, change.CompletionChanged)

	reloaded := f.reload(t, attempt.ID)
	require.Equal(t, models.CompletionCompleted, reloaded.CompletionStatus)
	require.NotNil(t, reloaded.EndTime)
	require.True(t, reloaded.EndTime.Equal(scormEpoch.Add(10*time.Second)))

	reopened := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionIncomplete, 20, 0)
	_, err = svc.Apply(ctx, attempt.ID, []models.ScormElement{reopened})
	require.NoError(t, err)

	reloaded = f.reload(t, attempt.ID)
	require.Equal(t, models.CompletionIncomplete, reloaded.CompletionStatus)
	require.Nil(t, reloaded.EndTime)
}

func TestAttemptStateIgnoresUnknownStatus(t *testing.T) {
	f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)

	odd := f.write(t, attempt.ID, models.KeyCompletionStatus, "browsed", 1, 0)
	_, err := svc.Apply(context.Background(), attempt.ID, []models.ScormElement{odd})
	require.NoError(t, err)
	require.Equal(t, models.CompletionIncomplete, f.reload(t, attempt.ID).CompletionStatus)
}

func TestAttemptStateReportingPolicy(t *testing.T) {
	t.Run("immediately reports scaled changes", func(t *testing.T) {
		f, attempt, svc, reporter := newAttemptStateFixture(t, models.ReportImmediately)

		scaled := f.write(t, attempt.ID, models.KeyScoreScaled, "0.5", 1, 0)
		_, err := svc.Apply(context.Background(), attempt.ID, []models.ScormElement{scaled})
		require.NoError(t, err)
		require.Equal(t, []reportCall{{UserID: attempt.UserID, ResourceID: attempt.ResourceID}}, reporter.reports())
	})

	t.Run("on completion waits for completed", func(t *testing.T) {
		f, attempt, svc, reporter := newAttemptStateFixture(t, models.ReportOnCompletion)
		ctx := context.Background()

		scaled := f.write(t, attempt.ID, models.KeyScoreScaled, "0.5", 1, 0)
		_, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{scaled})
		require.NoError(t, err)
		require.Empty(t, reporter.reports())

		done := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 2, 0)
		_, err = svc.Apply(ctx, attempt.ID, []models.ScormElement{done})
		require.NoError(t, err)
		require.Len(t, reporter.reports(), 1)
	})

	t.Run("manually never reports", func(t *testing.T) {
		f, attempt, svc, reporter := newAttemptStateFixture(t, models.ReportManually)
		ctx := context.Background()

		scaled := f.write(t, attempt.ID, models.KeyScoreScaled, "0.5", 1, 0)
		done := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 2, 0)
		_, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{scaled, done})
		require.NoError(t, err)
		require.Empty(t, reporter.reports())
	})
}

func TestAttemptStateRebuildFromLog(t *testing.T) {
	f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)
	ctx := context.Background()

	f.write(t, attempt.ID, models.KeyScoreScaled, "0.3", 1, 0)
	newest := f.write(t, attempt.ID, models.KeyScoreScaled, "0.7", 2, 0)
	f.write(t, attempt.ID, models.KeyScoreScaled, "oops", 3, 0)
	status := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 4, 0)

	require.NoError(t, f.attempts.UpdateFields(ctx, attempt.ID, map[string]interface{}{
		"scaled_score":      0.1,
		"completion_status": models.CompletionNotAttempted,
	}))

	rebuilt, err := svc.Rebuild(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, 0.7, rebuilt.ScaledScore)
	require.Equal(t, models.CompletionCompleted, rebuilt.CompletionStatus)

	reloaded := f.reload(t, attempt.ID)
	require.Equal(t, 0.7, reloaded.ScaledScore)
	require.Equal(t, newest.ID, *reloaded.ScaledScoreElementID)
	require.Equal(t, status.ID, *reloaded.CompletionStatusElementID)

	_, err = svc.Rebuild(ctx, 9999)
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestAttemptStateBatchAndRebuildAgreeOnUnparseableNewest(t *testing.T) {
	f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)
	ctx := context.Background()

	usable := f.write(t, attempt.ID, models.KeyScoreScaled, "0.4", 1, 0)
	broken := f.write(t, attempt.ID, models.KeyScoreScaled, "n/a", 2, 0)
	oddStatus := f.write(t, attempt.ID, models.KeyCompletionStatus, "browsed", 3, 0)

	change, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{usable, broken, oddStatus})
	require.NoError(t, err)
	require.True(t, change.ScaledChanged)

	applied := f.reload(t, attempt.ID)
	require.Equal(t, 0.4, applied.ScaledScore)
	require.Equal(t, usable.ID, *applied.ScaledScoreElementID)

	rebuilt, err := svc.Rebuild(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, applied.ScaledScore, rebuilt.ScaledScore)
	require.Equal(t, *applied.ScaledScoreElementID, *rebuilt.ScaledScoreElementID)
	require.Equal(t, applied.CompletionStatus, rebuilt.CompletionStatus)
	require.Nil(t, rebuilt.CompletionStatusElementID)
}

func TestAttemptStatePrefersRecordedEndTime(t *testing.T) {
	t.Run("end time arrives with completion", func(t *testing.T) {
		f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)
		ctx := context.Background()

		recorded := scormEpoch.Add(5 * time.Second)
		marker := f.write(t, attempt.ID, models.KeyEndTime, recorded.Format(time.RFC3339), 9, 0)
		done := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 10, 0)

		_, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{done, marker})
		require.NoError(t, err)

		reloaded := f.reload(t, attempt.ID)
		require.NotNil(t, reloaded.EndTime)
		require.True(t, reloaded.EndTime.Equal(recorded))

		rebuilt, err := svc.Rebuild(ctx, attempt.ID)
		require.NoError(t, err)
		require.True(t, rebuilt.EndTime.Equal(recorded))
	})

	t.Run("end time arrives after completion", func(t *testing.T) {
		f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)
		ctx := context.Background()

		done := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 10, 0)
		_, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{done})
		require.NoError(t, err)
		require.True(t, f.reload(t, attempt.ID).EndTime.Equal(scormEpoch.Add(10*time.Second)))

		marker := f.write(t, attempt.ID, models.KeyEndTime, "2024-03-01T10:00:07", 8, 0)
		_, err = svc.Apply(ctx, attempt.ID, []models.ScormElement{marker})
		require.NoError(t, err)
		require.True(t, f.reload(t, attempt.ID).EndTime.Equal(scormEpoch.Add(7*time.Second)))
	})

	t.Run("unparseable end time falls back to completion", func(t *testing.T) {
		f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)

		marker := f.write(t, attempt.ID, models.KeyEndTime, "yesterday", 9, 0)
		done := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 10, 0)
		_, err := svc.Apply(context.Background(), attempt.ID, []models.ScormElement{marker, done})
		require.NoError(t, err)
		require.True(t, f.reload(t, attempt.ID).EndTime.Equal(scormEpoch.Add(10*time.Second)))
	})
}

func TestAttemptStateStartTimeFromSuspendData(t *testing.T) {
	f, attempt, svc, _ := newAttemptStateFixture(t, models.ReportManually)
	ctx := context.Background()

	started := scormEpoch.Add(-30 * time.Minute)
	newest := f.write(t, attempt.ID, models.KeySuspendData, `{"start":`+formatMillis(started)+`,"questions":[]}`, 2, 0)
	stale := f.write(t, attempt.ID, models.KeySuspendData, `{"start":1000}`, 1, 0)

	_, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{newest})
	require.NoError(t, err)
	require.True(t, f.reload(t, attempt.ID).StartTime.Equal(started))

	// A late element that is not the current suspend data changes nothing.
	_, err = svc.Apply(ctx, attempt.ID, []models.ScormElement{stale})
	require.NoError(t, err)
	require.True(t, f.reload(t, attempt.ID).StartTime.Equal(started))

	require.NoError(t, f.attempts.UpdateFields(ctx, attempt.ID, map[string]interface{}{"start_time": scormEpoch}))
	rebuilt, err := svc.Rebuild(ctx, attempt.ID)
	require.NoError(t, err)
	require.True(t, rebuilt.StartTime.Equal(started))

	noStart := f.write(t, attempt.ID, models.KeySuspendData, `{"start":null}`, 3, 0)
	_, err = svc.Apply(ctx, attempt.ID, []models.ScormElement{noStart})
	require.NoError(t, err)
	require.True(t, f.reload(t, attempt.ID).StartTime.Equal(started))
}

func TestSuspendDataStartParsing(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  time.Time
		found bool
	}{
		{name: "number", value: `{"start":1709287200000}`, want: scormEpoch, found: true},
		{name: "string", value: `{"start":"1709287200000"}`, want: scormEpoch, found: true},
		{name: "null", value: `{"start":null}`},
		{name: "missing", value: `{"score":3}`},
		{name: "not json", value: `start=1`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := suspendDataStart(tc.value)
			require.Equal(t, tc.found, found)
			if tc.found {
				require.True(t, got.Equal(tc.want), "got %s", got)
			}
		})
	}
}

func TestAttemptStateReopen(t *testing.T) {
	f := newScormFixture(t)
	ctx := context.Background()

	resource := f.createResource(t, func(r *models.Resource) { r.ReportMarkTime = models.ReportManually })
	attempt := f.createAttempt(t, resource, nil)
	activityRepo := repository.NewActivityLogRepository(f.db)
	live := NewLiveUpdateService(nil, "", nil, testLogger())
	svc := NewAttemptStateService(AttemptStateDependencies{
		DB:        f.db,
		Attempts:  f.attempts,
		Resources: f.resources,
		Elements:  f.elements,
		Activity:  NewActivityService(activityRepo, testLogger()),
		Live:      live,
		Locker:    f.locker,
		Logger:    testLogger(),
	})
	reopenedAt := scormEpoch.Add(time.Hour)
	svc.(*attemptStateService).now = func() time.Time { return reopenedAt }

	done := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 10, 0)
	_, err := svc.Apply(ctx, attempt.ID, []models.ScormElement{done})
	require.NoError(t, err)
	require.True(t, f.reload(t, attempt.ID).IsCompleted())
	require.False(t, f.reload(t, attempt.ID).AcceptsElementAt(scormEpoch.Add(20*time.Second)))

	events, cancel := live.Subscribe(attempt.ID)
	defer cancel()

	reopened, err := svc.Reopen(ctx, attempt.ID, ActivityActor{ID: 7, Role: "instructor"})
	require.NoError(t, err)
	require.Equal(t, models.CompletionIncomplete, reopened.CompletionStatus)
	require.Nil(t, reopened.EndTime)

	stored := f.reload(t, attempt.ID)
	require.Equal(t, models.CompletionIncomplete, stored.CompletionStatus)
	require.Nil(t, stored.EndTime)
	require.True(t, stored.AcceptsElementAt(scormEpoch.Add(20*time.Second)))

	current, ok, err := f.elements.Current(ctx, attempt.ID, models.KeyCompletionStatus)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.CompletionIncomplete, current.Value)
	require.Equal(t, 1, current.Counter)
	require.True(t, current.Time.Equal(reopenedAt))
	require.Equal(t, current.ID, *stored.CompletionStatusElementID)

	event := receiveEvent(t, events)
	require.Equal(t, models.KeyCompletionStatus, event.Key)
	require.Equal(t, models.CompletionIncomplete, event.Value)

	logs, total, err := activityRepo.List(ctx, repository.ActivityLogFilter{Action: models.ActionAttemptReopened, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, uint(7), logs[0].ActorID)
	require.Equal(t, attempt.ID, *logs[0].AttemptID)

	// The student completing again after the reopen wins over it.
	again := f.write(t, attempt.ID, models.KeyCompletionStatus, models.CompletionCompleted, 3700, 0)
	_, err = svc.Apply(ctx, attempt.ID, []models.ScormElement{again})
	require.NoError(t, err)
	require.True(t, f.reload(t, attempt.ID).IsCompleted())

	_, err = svc.Reopen(ctx, 9999, ActivityActor{ID: 7})
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
