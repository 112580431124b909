package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
)

var scormEpoch = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupScormServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:scorm_service_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

func setupScoreCache(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type scormFixture struct {
	db        *gorm.DB
	attempts  repository.AttemptRepository
	resources repository.ResourceRepository
	elements  repository.ElementRepository
	overrides repository.OverrideRepository
	questions repository.QuestionScoreRepository
	locker    *AttemptLocker
}

func newScormFixture(t *testing.T) *scormFixture {
	t.Helper()

	db := setupScormServiceDB(t)
	return &scormFixture{
		db:        db,
		attempts:  repository.NewAttemptRepository(db),
		resources: repository.NewResourceRepository(db),
		elements:  repository.NewElementRepository(db),
		overrides: repository.NewOverrideRepository(db),
		questions: repository.NewQuestionScoreRepository(db),
		locker:    NewAttemptLocker(),
	}
}

func (f *scormFixture) scoreRepositories() ScoreRepositories {
	return ScoreRepositories{
		Attempts:       f.attempts,
		Resources:      f.resources,
		Elements:       f.elements,
		Overrides:      f.overrides,
		QuestionScores: f.questions,
	}
}

func (f *scormFixture) createResource(t *testing.T, mutate func(*models.Resource)) models.Resource {
	t.Helper()

	resource := models.Resource{
		Title:          "Algebra quiz",
		GradingMethod:  models.GradingMethodHighest,
		ReportMarkTime: models.ReportImmediately,
	}
	if mutate != nil {
		mutate(&resource)
	}
	require.NoError(t, f.db.Create(&resource).Error)
	return resource
}

func (f *scormFixture) createAttempt(t *testing.T, resource models.Resource, mutate func(*models.Attempt)) models.Attempt {
	t.Helper()

	attempt := models.Attempt{
		ResourceID:       resource.ID,
		UserID:           42,
		StartTime:        scormEpoch.Add(-time.Hour),
		CompletionStatus: models.CompletionIncomplete,
	}
	if mutate != nil {
		mutate(&attempt)
	}
	require.NoError(t, f.db.Create(&attempt).Error)
	return attempt
}

// write appends one element at scormEpoch plus offset seconds.
func (f *scormFixture) write(t *testing.T, attemptID uint, key, value string, offset int, counter int) models.ScormElement {
	t.Helper()

	element := models.NewScormElement(attemptID, key, value, scormEpoch.Add(time.Duration(offset)*time.Second), counter)
	require.NoError(t, f.elements.Append(context.Background(), &element))
	return element
}

func (f *scormFixture) reload(t *testing.T, attemptID uint) models.Attempt {
	t.Helper()

	attempt, err := f.attempts.GetByID(context.Background(), attemptID)
	require.NoError(t, err)
	return attempt
}

func newTestValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

type reportCall struct {
	UserID     uint
	ResourceID uint
}

type stubReporter struct {
	mu    sync.Mutex
	calls []reportCall
}

func (s *stubReporter) ReportOutcome(ctx context.Context, userID, resourceID uint) (dto.OutcomeReport, error) {
	s.ReportAsync(userID, resourceID)
	return dto.OutcomeReport{UserID: userID, ResourceID: resourceID}, nil
}

func (s *stubReporter) ReportAsync(userID, resourceID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, reportCall{UserID: userID, ResourceID: resourceID})
}

func (s *stubReporter) reports() []reportCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reportCall(nil), s.calls...)
}

func ptrUint(v uint) *uint {
	return &v
}

func ptrFloat(v float64) *float64 {
	return &v
}
