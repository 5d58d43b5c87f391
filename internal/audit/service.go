package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/fnbcost/fnbcost/internal/shared"
)

const (
	defaultLimit  = 20
	maxLimit      = 100
	maxExportRows = 10000
)

// Repository is the read side of the audit trail.
type Repository interface {
	Query(ctx context.Context, filters Filters) ([]Entry, int, error)
	All(ctx context.Context, filters Filters, limit int) ([]Entry, error)
}

// Viewer identifies who is reading the trail. Only elevated viewers see other actors.
type Viewer struct {
	ActorID  int64
	Elevated bool
}

// Service serves audit queries.
type Service struct {
	repo Repository
}

// NewService constructs the audit query service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Query returns one page of the trail. Non-elevated viewers are always scoped to their own
// entries whatever actor filter they asked for.
func (s *Service) Query(ctx context.Context, viewer Viewer, filters Filters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	filters, err := scope(viewer, filters)
	if err != nil {
		return Result{}, err
	}
	if filters.Limit <= 0 {
		filters.Limit = defaultLimit
	}
	if filters.Limit > maxLimit {
		filters.Limit = maxLimit
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	entries, total, err := s.repo.Query(ctx, filters)
	if err != nil {
		return Result{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Result{Entries: entries, Paging: shared.NewPagination(filters.Page, filters.Limit, total)}, nil
}

// Export returns every matching entry up to the export cap.
func (s *Service) Export(ctx context.Context, viewer Viewer, filters Filters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	filters, err := scope(viewer, filters)
	if err != nil {
		return nil, err
	}
	return s.repo.All(ctx, filters, maxExportRows)
}

func scope(viewer Viewer, filters Filters) (Filters, error) {
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return Filters{}, shared.ErrValidation("from must not be after to")
	}
	if !viewer.Elevated {
		self := viewer.ActorID
		filters.ActorID = &self
	}
	return filters, nil
}

// DayRange converts inclusive calendar dates into a half-open [from, to) range.
func DayRange(from, to time.Time) (time.Time, time.Time) {
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1)
	}
	return from, to
}
