package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

func newReviewFixture(t *testing.T) (*scormFixture, models.Attempt, ReviewService, SuspendDataService) {
	t.Helper()

	f := newScormFixture(t)
	resource := f.createResource(t, nil)
	attempt := f.createAttempt(t, resource, nil)
	suspendData := NewSuspendDataService(f.db, f.attempts, f.elements, f.locker, testLogger())
	return f, attempt, NewReviewService(f.attempts, f.elements, suspendData, testLogger()), suspendData
}

func TestReviewCMIStateAtPointInTime(t *testing.T) {
	f, attempt, svc, suspendData := newReviewFixture(t)
	ctx := context.Background()

	f.write(t, attempt.ID, "cmi.location", "page-1", 0, 0)
	f.write(t, attempt.ID, models.KeySuspendData, "draft", 0, 1)
	f.write(t, attempt.ID, "cmi.location", "page-2", 10, 0)
	f.write(t, attempt.ID, models.KeySuspendData, "draft two", 10, 1)
	_, err := suspendData.Compact(ctx, attempt.ID)
	require.NoError(t, err)

	current, err := svc.CMIState(ctx, attempt.ID, nil)
	require.NoError(t, err)
	require.Nil(t, current.At)
	require.Equal(t, "page-2", current.Values["cmi.location"])
	require.Equal(t, "draft two", current.Values[models.KeySuspendData])
	require.Equal(t, "0", current.Values[models.KeyScoreRaw])
	require.Equal(t, models.CompletionIncomplete, current.Values[models.KeyCompletionStatus])
	require.Equal(t, "42", current.Values["cmi.learner_id"])

	midway := scormEpoch.Add(5 * time.Second)
	past, err := svc.CMIState(ctx, attempt.ID, &midway)
	require.NoError(t, err)
	require.Equal(t, "page-1", past.Values["cmi.location"])
	require.Equal(t, "draft", past.Values[models.KeySuspendData])

	_, err = svc.CMIState(ctx, 321, nil)
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestReviewKeyTimeline(t *testing.T) {
	f, attempt, svc, suspendData := newReviewFixture(t)
	ctx := context.Background()

	for i, value := range []string{"hi there", "hi", "hi bob!"} {
		f.write(t, attempt.ID, models.KeySuspendData, value, i, 0)
	}
	_, err := suspendData.Compact(ctx, attempt.ID)
	require.NoError(t, err)

	timeline, err := svc.KeyTimeline(ctx, attempt.ID, models.KeySuspendData, nil)
	require.NoError(t, err)
	require.Len(t, timeline.Entries, 3)
	require.Equal(t, "hi bob!", timeline.Entries[2].Value)

	until := scormEpoch.Add(time.Second)
	partial, err := svc.KeyTimeline(ctx, attempt.ID, models.KeySuspendData, &until)
	require.NoError(t, err)
	require.Len(t, partial.Entries, 2)
	require.Equal(t, "hi", partial.Entries[1].Value)

	_, err = svc.KeyTimeline(ctx, attempt.ID, " ", nil)
	require.ErrorIs(t, err, ErrKeyRequired)
}
