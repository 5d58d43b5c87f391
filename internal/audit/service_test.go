package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnbcost/fnbcost/internal/shared"
)

type stubQueryRepo struct {
	entries     []Entry
	total       int
	lastFilters Filters
	lastLimit   int
}

func (s *stubQueryRepo) Query(ctx context.Context, filters Filters) ([]Entry, int, error) {
	s.lastFilters = filters
	return s.entries, s.total, nil
}

func (s *stubQueryRepo) All(ctx context.Context, filters Filters, limit int) ([]Entry, error) {
	s.lastFilters = filters
	s.lastLimit = limit
	return s.entries, nil
}

func TestQueryScopesOrdinaryViewerToSelf(t *testing.T) {
	repo := &stubQueryRepo{}
	svc := NewService(repo)
	other := int64(99)

	_, err := svc.Query(context.Background(), Viewer{ActorID: 5}, Filters{ActorID: &other})
	require.NoError(t, err)
	require.NotNil(t, repo.lastFilters.ActorID)
	assert.Equal(t, int64(5), *repo.lastFilters.ActorID)

	_, err = svc.Query(context.Background(), Viewer{ActorID: 5}, Filters{})
	require.NoError(t, err)
	require.NotNil(t, repo.lastFilters.ActorID)
	assert.Equal(t, int64(5), *repo.lastFilters.ActorID)
}

func TestQueryElevatedViewerMayOmitActor(t *testing.T) {
	repo := &stubQueryRepo{}
	svc := NewService(repo)

	_, err := svc.Query(context.Background(), Viewer{ActorID: 1, Elevated: true}, Filters{})
	require.NoError(t, err)
	assert.Nil(t, repo.lastFilters.ActorID)

	other := int64(42)
	_, err = svc.Query(context.Background(), Viewer{ActorID: 1, Elevated: true}, Filters{ActorID: &other})
	require.NoError(t, err)
	assert.Equal(t, int64(42), *repo.lastFilters.ActorID)
}

func TestQueryPaging(t *testing.T) {
	repo := &stubQueryRepo{entries: []Entry{{Action: "a"}, {Action: "b"}}, total: 5}
	svc := NewService(repo)

	result, err := svc.Query(context.Background(), Viewer{Elevated: true}, Filters{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
	assert.Equal(t, 3, result.Paging.TotalPages)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 1, result.Paging.PrevPage)
	assert.Equal(t, 3, result.Paging.NextPage)

	_, err = svc.Query(context.Background(), Viewer{Elevated: true}, Filters{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, repo.lastFilters.Limit)
	assert.Equal(t, 1, repo.lastFilters.Page)
}

func TestQueryRejectsInvertedRange(t *testing.T) {
	svc := NewService(&stubQueryRepo{})
	_, err := svc.Query(context.Background(), Viewer{Elevated: true}, Filters{
		From: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestExportCapsRowsAndWritesCSV(t *testing.T) {
	diff, err := Compare(map[string]any{"role": "staff"}, map[string]any{"role": "cost_controller"})
	require.NoError(t, err)
	repo := &stubQueryRepo{entries: []Entry{{
		ID:       uuid.MustParse("3f1c2a52-6b0e-4a44-9a6f-1c1f9a1f0a01"),
		ActorID:  1,
		Action:   "users.role.update",
		Resource: "user",
		Outcome:  OutcomeAllowed,
		Diff:     diff,
		At:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}}}
	svc := NewService(repo)

	entries, err := svc.Export(context.Background(), Viewer{ActorID: 1, Elevated: true}, Filters{})
	require.NoError(t, err)
	assert.Equal(t, maxExportRows, repo.lastLimit)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, entries))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "2026-03-01T08:00:00Z", records[1][1])
	assert.Equal(t, "role: changed: staff→cost_controller", records[1][8])
}
