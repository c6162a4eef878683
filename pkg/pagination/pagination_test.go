package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func ctxWithQuery(q string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases"+q, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(ctxWithQuery(""))
	if p.Limit != DefaultLimit {
		t.Errorf("expected limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(ctxWithQuery("?limit=50&offset=10"))
	if p.Limit != 50 || p.Offset != 10 {
		t.Errorf("expected 50/10, got %d/%d", p.Limit, p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(ctxWithQuery("?limit=500"))
	if p.Limit != MaxLimit {
		t.Errorf("expected max limit %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	p := FromContext(ctxWithQuery("?limit=abc&offset=-5"))
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 50, 20, 0)
	if resp.Total != 50 || !resp.HasMore {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.NextOffset == nil || *resp.NextOffset != 20 {
		t.Errorf("expected next offset 20, got %v", resp.NextOffset)
	}

	if resp.PrevOffset != nil {
		t.Errorf("expected no previous offset on first page, got %v", *resp.PrevOffset)
	}

	last := NewResponse([]string{"a"}, 21, 20, 20)
	if last.HasMore || last.NextOffset != nil {
		t.Errorf("expected last page, got %+v", last)
	}
	if last.PrevOffset == nil || *last.PrevOffset != 0 {
		t.Errorf("expected previous offset 0, got %v", last.PrevOffset)
	}

	mid := NewResponse([]string{"a"}, 100, 20, 50)
	if mid.PrevOffset == nil || *mid.PrevOffset != 30 {
		t.Errorf("expected previous offset 30, got %v", mid.PrevOffset)
	}
}

func TestParams_Offsets(t *testing.T) {
	tests := []struct {
		p        Params
		total    int
		hasNext  bool
		hasPrev  bool
		next     int
		previous int
	}{
		{Params{Limit: 20, Offset: 0}, 50, true, false, 20, 0},
		{Params{Limit: 20, Offset: 20}, 50, true, true, 40, 0},
		{Params{Limit: 20, Offset: 40}, 50, false, true, 60, 20},
		{Params{Limit: 20, Offset: 10}, 0, false, true, 30, 0},
	}
	for _, tt := range tests {
		if got := tt.p.HasNext(tt.total); got != tt.hasNext {
			t.Errorf("%+v HasNext(%d) = %v", tt.p, tt.total, got)
		}
		if got := tt.p.HasPrevious(); got != tt.hasPrev {
			t.Errorf("%+v HasPrevious() = %v", tt.p, got)
		}
		if got := tt.p.NextOffset(); got != tt.next {
			t.Errorf("%+v NextOffset() = %d", tt.p, got)
		}
		if got := tt.p.PreviousOffset(); got != tt.previous {
			t.Errorf("%+v PreviousOffset() = %d", tt.p, got)
		}
	}
}
