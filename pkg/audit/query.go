package audit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantry/pkg/rbac"
)

// Page is one page of a history query
type Page struct {
	Data   []HistoryEntry `json:"data"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// QueryService answers history queries with tenant scoping applied
type QueryService struct {
	store       Store
	memberships rbac.MembershipRepository
	tracer      trace.Tracer
}

// NewQueryService creates a query service
func NewQueryService(store Store, memberships rbac.MembershipRepository) *QueryService {
	return &QueryService{
		store:       store,
		memberships: memberships,
		tracer:      otel.Tracer(tracerName),
	}
}

// ScopeFor computes what principal may read. Super-admins get a nil scope and
// see every entry. Everyone else sees entries of the organisations they
// actively belong to, plus entries they authored themselves.
func (q *QueryService) ScopeFor(ctx context.Context, principal *rbac.Principal) (*Scope, error) {
	if !principal.Authenticated() {
		return nil, rbac.Unauthenticated()
	}
	if principal.IsSuperAdmin {
		return nil, nil
	}

	orgIDs, err := q.memberships.ListActiveOrganisationIDs(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve organisations: %w", err)
	}
	return &Scope{UserID: principal.ID, OrganisationIDs: orgIDs}, nil
}

// Query returns one page of entries matching filter that principal may see,
// together with the total number of such entries.
func (q *QueryService) Query(ctx context.Context, filter Filter, principal *rbac.Principal) (*Page, error) {
	ctx, span := q.tracer.Start(ctx, "audit.Query")
	defer span.End()

	page, err := q.query(ctx, filter, principal)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("audit.total", page.Total), attribute.Int("audit.returned", len(page.Data)))
	return page, nil
}

func (q *QueryService) query(ctx context.Context, filter Filter, principal *rbac.Principal) (*Page, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}

	scope, err := q.ScopeFor(ctx, principal)
	if err != nil {
		return nil, err
	}

	page := &Page{Limit: filter.Limit, Offset: filter.Offset}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := q.store.Search(gctx, filter, scope)
		if err != nil {
			return err
		}
		page.Data = entries
		return nil
	})
	g.Go(func() error {
		total, err := q.store.Count(gctx, filter, scope)
		if err != nil {
			return err
		}
		page.Total = total
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}

// FindByRecord returns the full history of one record visible to principal,
// newest first. It is not paginated.
func (q *QueryService) FindByRecord(ctx context.Context, tableName, recordID string, principal *rbac.Principal) ([]HistoryEntry, error) {
	if tableName == "" {
		return nil, &ValidationError{Field: "tableName", Message: "is required"}
	}
	if recordID == "" {
		return nil, &ValidationError{Field: "recordId", Message: "is required"}
	}

	ctx, span := q.tracer.Start(ctx, "audit.FindByRecord", trace.WithAttributes(
		attribute.String("audit.table_name", tableName),
	))
	defer span.End()

	scope, err := q.ScopeFor(ctx, principal)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	entries, err := q.store.FindByRecord(ctx, tableName, recordID, scope)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return entries, nil
}

// Export renders one page of matching entries in format
func (q *QueryService) Export(ctx context.Context, filter Filter, principal *rbac.Principal, format ExportFormat) ([]byte, error) {
	if !format.Valid() {
		return nil, &ValidationError{Field: "format", Message: fmt.Sprintf("unsupported export format %q", format)}
	}
	page, err := q.Query(ctx, filter, principal)
	if err != nil {
		return nil, err
	}
	return Export(page.Data, format)
}
