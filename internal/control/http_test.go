package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"teamsync/internal/domain"
	"teamsync/internal/fault"
)

type fakeController struct {
	selectCalls []string
	week        int
	filters     domain.Filters
	slots       []domain.AvailabilitySlot
	err         error
}

func (c *fakeController) Select(_ context.Context, kind domain.ResourceKind, id string) error {
	if c.err != nil {
		return c.err
	}
	c.selectCalls = append(c.selectCalls, string(kind)+":"+id)
	return nil
}

func (c *fakeController) SetWeek(_ context.Context, offset int) error {
	if c.err != nil {
		return c.err
	}
	c.week = offset
	return nil
}

func (c *fakeController) SetFilters(_ context.Context, filters domain.Filters) error {
	c.filters = filters
	return c.err
}

func (c *fakeController) Selection(context.Context) (any, error) {
	return map[string]string{"team_id": "T1"}, c.err
}

func (c *fakeController) ToggleFavorite(_ context.Context, teamID string) ([]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []string{teamID}, nil
}

func (c *fakeController) JoinTeam(_ context.Context, code string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "joined-" + code, nil
}

func (c *fakeController) SaveAvailability(_ context.Context, slots []domain.AvailabilitySlot) error {
	c.slots = slots
	return c.err
}

func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func TestSelectForwardsKindAndID(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	handler := NewHTTPHandler(ctrl, "/v1", 1<<20, nil)

	response := serve(handler, http.MethodPost, "/v1/select", `{"kind":"team","id":"T1"}`)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	response = serve(handler, http.MethodPost, "/v1/select", `{"id":"T2"}`)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected default kind to be accepted, got %d", response.Code)
	}
	if len(ctrl.selectCalls) != 2 || ctrl.selectCalls[0] != "team:T1" || ctrl.selectCalls[1] != "team:T2" {
		t.Fatalf("unexpected calls %v", ctrl.selectCalls)
	}
}

func TestSelectRejectsWrongMethodAndBody(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	handler := NewHTTPHandler(ctrl, "/v1", 16, nil)

	if response := serve(handler, http.MethodGet, "/v1/select", ""); response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", response.Code)
	}
	if response := serve(handler, http.MethodPost, "/v1/select", "{not json"); response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", response.Code)
	}
	if response := serve(handler, http.MethodPost, "/v1/select", `{"kind":"team","id":"a-very-long-team-id"}`); response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", response.Code)
	}
	if len(ctrl.selectCalls) != 0 {
		t.Fatalf("controller must not be called")
	}
}

func TestErrorTaxonomyMapsToStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
	}{
		{err: fault.Validation("bad id"), code: http.StatusBadRequest},
		{err: &fault.DomainError{Function: "joinTeam", Message: "Team is full."}, code: http.StatusUnprocessableEntity},
		{err: fault.ErrThrottled, code: http.StatusTooManyRequests},
		{err: fault.Exhausted("registry full"), code: http.StatusConflict},
		{err: fault.Unavailable("invoke", errors.New("down")), code: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		handler := NewHTTPHandler(&fakeController{err: tc.err}, "/v1", 1<<20, nil)
		response := serve(handler, http.MethodPost, "/v1/join", `{"code":"X1"}`)
		if response.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, response.Code)
		}
	}

	handler := NewHTTPHandler(&fakeController{err: &fault.DomainError{Message: "Team is full."}}, "/v1", 1<<20, nil)
	response := serve(handler, http.MethodPost, "/v1/join", `{"code":"X1"}`)
	var body errorResponse
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "Team is full." {
		t.Fatalf("remote message must be verbatim, got %q", body.Error)
	}
}

func TestSelectionAndWeek(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	handler := NewHTTPHandler(ctrl, "/v1/", 1<<20, nil)

	response := serve(handler, http.MethodGet, "/v1/selection", "")
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"team_id":"T1"`) {
		t.Fatalf("unexpected selection response %d %s", response.Code, response.Body.String())
	}
	if response := serve(handler, http.MethodPost, "/v1/week", `{}`); response.Code != http.StatusBadRequest {
		t.Fatalf("expected missing offset to be rejected, got %d", response.Code)
	}
	if response := serve(handler, http.MethodPost, "/v1/week", `{"offset":1}`); response.Code != http.StatusAccepted {
		t.Fatalf("expected week accepted, got %d", response.Code)
	}
	if ctrl.week != 1 {
		t.Fatalf("expected week offset 1, got %d", ctrl.week)
	}
}

func TestRemoteOperations(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	handler := NewHTTPHandler(ctrl, "/v1", 1<<20, nil)

	response := serve(handler, http.MethodPost, "/v1/favorites/toggle", `{"team_id":"T1"}`)
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"favorites":["T1"]`) {
		t.Fatalf("unexpected favorite response %d %s", response.Code, response.Body.String())
	}
	response = serve(handler, http.MethodPost, "/v1/join", `{"code":"ABC"}`)
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"team_id":"joined-ABC"`) {
		t.Fatalf("unexpected join response %d %s", response.Code, response.Body.String())
	}
	response = serve(handler, http.MethodPost, "/v1/availability", `{"slots":[{"weekday":1,"start":"09:00","end":"10:00"}]}`)
	if response.Code != http.StatusNoContent || len(ctrl.slots) != 1 {
		t.Fatalf("unexpected availability response %d slots=%v", response.Code, ctrl.slots)
	}
	response = serve(handler, http.MethodPost, "/v1/filters", `{"weekdays":[1,2],"sort":"name"}`)
	if response.Code != http.StatusAccepted || ctrl.filters.Sort != domain.SortByName {
		t.Fatalf("unexpected filters response %d %+v", response.Code, ctrl.filters)
	}
}
