package query

import (
	"fmt"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/todo-1m/consistency/internal/apperr"
	"github.com/todo-1m/consistency/internal/contracts"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

type StatusFilter string

const (
	StatusAny       StatusFilter = ""
	StatusPending   StatusFilter = "pending"
	StatusCompleted StatusFilter = "completed"
)

type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortDueDate   SortField = "due_date"
)

type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// TodoView is one row of the read model as stored by the projection applier.
type TodoView struct {
	ID             string
	Title          string
	Description    *string
	IsCompleted    bool
	Priority       contracts.Priority
	DueDate        *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
	AppliedVersion int64
}

func (v TodoView) Status() StatusFilter {
	if v.IsCompleted {
		return StatusCompleted
	}
	return StatusPending
}

// TodoItem is the client-facing shape of a read-model row.
type TodoItem struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description *string            `json:"description"`
	Status      StatusFilter       `json:"status"`
	IsCompleted bool               `json:"is_completed"`
	Priority    contracts.Priority `json:"priority"`
	DueDate     *string            `json:"due_date"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Version     int64              `json:"version"`
}

func (v TodoView) Item() TodoItem {
	return TodoItem{
		ID:          v.ID,
		Title:       v.Title,
		Description: v.Description,
		Status:      v.Status(),
		IsCompleted: v.IsCompleted,
		Priority:    v.Priority,
		DueDate:     v.DueDate,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
		Version:     v.AppliedVersion,
	}
}

// ListRequest carries raw list parameters. Use NewListRequest for defaults.
type ListRequest struct {
	Status string
	Sort   string
	Order  string
	Page   int
	Limit  int
}

func NewListRequest() ListRequest {
	return ListRequest{
		Sort:  string(SortCreatedAt),
		Order: string(OrderDesc),
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}
}

// ListQuery is a validated list request.
type ListQuery struct {
	Status StatusFilter
	Sort   SortField
	Order  SortOrder
	Page   int
	Limit  int
}

func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Validate normalizes casing and surrounding whitespace, fills empty sort and
// order with defaults and rejects everything else that is out of range.
func (r ListRequest) Validate() (ListQuery, error) {
	q := ListQuery{Page: r.Page, Limit: r.Limit}

	switch status := StatusFilter(normalize(r.Status)); status {
	case StatusAny, StatusPending, StatusCompleted:
		q.Status = status
	default:
		return ListQuery{}, apperr.InvalidParameter("status", "status must be one of [pending, completed]")
	}

	switch sort := SortField(normalize(r.Sort)); sort {
	case "":
		q.Sort = SortCreatedAt
	case SortCreatedAt, SortDueDate:
		q.Sort = sort
	default:
		return ListQuery{}, apperr.InvalidParameter("sort", "sort must be one of [created_at, due_date]")
	}

	switch order := SortOrder(normalize(r.Order)); order {
	case "":
		q.Order = OrderDesc
	case OrderAsc, OrderDesc:
		q.Order = order
	default:
		return ListQuery{}, apperr.InvalidParameter("order", "order must be one of [asc, desc]")
	}

	if q.Page < 1 {
		return ListQuery{}, apperr.InvalidParameter("page", "page must be greater than or equal to 1")
	}
	if q.Limit < 1 || q.Limit > MaxLimit {
		return ListQuery{}, apperr.InvalidParameter("limit", fmt.Sprintf("limit must be between 1 and %d", MaxLimit))
	}
	// page*limit must fit in an int so the offset and page end cannot wrap.
	if q.Page > math.MaxInt/q.Limit {
		return ListQuery{}, apperr.InvalidParameter("page", "page is out of range")
	}
	return q, nil
}

// ParseListRequest reads list parameters from a URL query string. Absent
// parameters take their defaults; page and limit must be integers.
func ParseListRequest(values url.Values) (ListRequest, error) {
	req := NewListRequest()
	if values.Has("status") {
		req.Status = values.Get("status")
	}
	if values.Has("sort") {
		req.Sort = values.Get("sort")
	}
	if values.Has("order") {
		req.Order = values.Get("order")
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &req.Page}, {"limit", &req.Limit}} {
		if !values.Has(p.name) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(values.Get(p.name)))
		if err != nil {
			return ListRequest{}, apperr.InvalidParameter(p.name, p.name+" must be an integer")
		}
		*p.dst = n
	}
	return req, nil
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func NewPagination(page, limit, total int) Pagination {
	totalPages := 0
	if total > 0 && limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: totalPages}
}

type ListResponse struct {
	Data       []TodoItem `json:"data"`
	Pagination Pagination `json:"pagination"`
}

type Stats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// EvaluateList filters, orders and pages rows in memory using the same rules
// as the SQL reader. It returns the page and the total match count.
func EvaluateList(rows []TodoView, q ListQuery) ([]TodoView, int) {
	matched := make([]TodoView, 0, len(rows))
	for _, row := range rows {
		if row.DeletedAt != nil {
			continue
		}
		if q.Status != StatusAny && row.Status() != q.Status {
			continue
		}
		matched = append(matched, row)
	}
	slices.SortStableFunc(matched, func(a, b TodoView) int {
		return compareRows(a, b, q.Sort, q.Order)
	})

	total := len(matched)
	start := q.Offset()
	if start < 0 || start >= total {
		return []TodoView{}, total
	}
	end := min(start+q.Limit, total)
	return matched[start:end], total
}

// EvaluateStats counts live rows by status.
func EvaluateStats(rows []TodoView) Stats {
	var stats Stats
	for _, row := range rows {
		if row.DeletedAt != nil {
			continue
		}
		if row.IsCompleted {
			stats.Completed++
		} else {
			stats.Pending++
		}
	}
	stats.Total = stats.Pending + stats.Completed
	return stats
}

func compareRows(a, b TodoView, sort SortField, order SortOrder) int {
	var c int
	switch sort {
	case SortDueDate:
		c = compareDueDates(a.DueDate, b.DueDate, order)
	default:
		c = a.CreatedAt.Compare(b.CreatedAt)
		if order == OrderDesc {
			c = -c
		}
	}
	if c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// compareDueDates puts nulls last when ascending and first when descending.
func compareDueDates(a, b *string, order SortOrder) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if order == OrderAsc {
			return 1
		}
		return -1
	case b == nil:
		if order == OrderAsc {
			return -1
		}
		return 1
	}
	c := strings.Compare(*a, *b)
	if order == OrderDesc {
		c = -c
	}
	return c
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
