package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fnbcost/fnbcost/internal/audit"
	"github.com/fnbcost/fnbcost/internal/authz"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
	dateLayout        = "2006-01-02"
)

// QueryService is the read side of the audit trail.
type QueryService interface {
	Query(ctx context.Context, viewer audit.Viewer, filters audit.Filters) (audit.Result, error)
	Export(ctx context.Context, viewer audit.Viewer, filters audit.Filters) ([]audit.Entry, error)
}

// Handler serves audit trail queries and exports.
type Handler struct {
	logger  *slog.Logger
	service QueryService
	gate    *authz.Gate
	now     func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service QueryService, gate *authz.Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		gate:    gate,
		now:     time.Now,
	}
}

func (h *Handler) query(call *authz.Call) (any, error) {
	filters, err := h.parseFilters(call.Request)
	if err != nil {
		return nil, err
	}
	viewer := viewerFor(call)
	call.AuditLog("", "", filterMetadata(filters, viewer))
	return h.service.Query(call.Context(), viewer, filters)
}

func (h *Handler) export(call *authz.Call) (any, error) {
	filters, err := h.parseFilters(call.Request)
	if err != nil {
		return nil, err
	}
	viewer := viewerFor(call)
	entries, err := h.service.Export(call.Context(), viewer, filters)
	if err != nil {
		return nil, err
	}
	meta := filterMetadata(filters, viewer)
	meta["rows"] = len(entries)
	call.AuditLog("", "", meta)
	return csvExport{entries: entries, logger: h.logger}, nil
}

type csvExport struct {
	entries []audit.Entry
	logger  *slog.Logger
}

func (c csvExport) Render(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-trail.csv\"")
	if err := audit.WriteCSV(w, c.entries); err != nil {
		c.logger.Warn("write csv", slog.Any("error", err))
		return err
	}
	return nil
}

func viewerFor(call *authz.Call) audit.Viewer {
	return audit.Viewer{
		ActorID:  call.Principal.ID,
		Elevated: call.Can(rbac.PermAuditViewAll),
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format(dateLayout)
	}
	toTime, err := time.Parse(dateLayout, toStr)
	if err != nil {
		return audit.Filters{}, fieldError("to", "must be YYYY-MM-DD")
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format(dateLayout)
	}
	fromTime, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		return audit.Filters{}, fieldError("from", "must be YYYY-MM-DD")
	}
	if fromTime.After(toTime) {
		return audit.Filters{}, fieldError("range", "from must not be after to")
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.Filters{}, fieldError("range", fmt.Sprintf("at most %d days", maxDateRangeHours/24))
	}

	page, limit, err := shared.ParsePageParams(q, defaultPageSize, maxPageSize)
	if err != nil {
		return audit.Filters{}, err
	}
	from, to := audit.DayRange(fromTime, toTime)
	filters := audit.Filters{
		Action:   strings.TrimSpace(q.Get("action")),
		Resource: strings.TrimSpace(q.Get("resource")),
		From:     from,
		To:       to,
		Page:     page,
		Limit:    limit,
	}
	if v := strings.TrimSpace(q.Get("actor_id")); v != "" {
		actorID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || actorID <= 0 {
			return audit.Filters{}, fieldError("actor_id", "must be a positive integer")
		}
		filters.ActorID = &actorID
	}
	return filters, nil
}

func filterMetadata(filters audit.Filters, viewer audit.Viewer) map[string]any {
	meta := map[string]any{
		"from":     filters.From.Format(dateLayout),
		"to":       filters.To.AddDate(0, 0, -1).Format(dateLayout),
		"elevated": viewer.Elevated,
	}
	if filters.Action != "" {
		meta["action"] = filters.Action
	}
	if filters.Resource != "" {
		meta["resource"] = filters.Resource
	}
	if filters.ActorID != nil {
		meta["actor_id"] = *filters.ActorID
	}
	return meta
}

func fieldError(field, message string) error {
	verr := shared.ErrValidation("invalid %s", field)
	verr.Fields = map[string]string{field: message}
	return verr
}
