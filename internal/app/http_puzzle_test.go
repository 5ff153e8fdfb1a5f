package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"puzzlehost/api/internal/store"
)

func serve(t *testing.T, svc *Service, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	server := NewHTTPServer(svc, nil, "*")
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestProtectedRoutesRejectAnonymousCallers(t *testing.T) {
	svc := newTestService(ownedPuzzleStore(sampleAnswers()...))
	cases := []struct {
		method string
		target string
	}{
		{method: http.MethodPost, target: "/api/puzzle"},
		{method: http.MethodGet, target: "/api/puzzle/" + testPuzzleID},
		{method: http.MethodPut, target: "/api/puzzle/" + testPuzzleID},
		{method: http.MethodDelete, target: "/api/puzzle/" + testPuzzleID},
		{method: http.MethodGet, target: "/api/userPuzzles"},
		{method: http.MethodPost, target: "/api/puzzleAnswer"},
		{method: http.MethodGet, target: "/api/puzzleAnswer/" + testAnswerID},
		{method: http.MethodGet, target: "/api/puzzleAnswer?puzzle=" + testPuzzleID},
		{method: http.MethodPut, target: "/api/puzzleAnswer/" + testAnswerID},
		{method: http.MethodDelete, target: "/api/puzzleAnswer/" + testAnswerID},
	}
	for _, tc := range cases {
		rr := serve(t, svc, tc.method, tc.target, "", nil)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.target, rr.Code)
		}
		if code := decodeMap(t, rr)["code"]; code != "UNAUTHENTICATED" {
			t.Fatalf("%s %s: expected UNAUTHENTICATED, got %v", tc.method, tc.target, code)
		}
	}
}

func TestInvalidTokenIsUnauthenticated(t *testing.T) {
	svc := newTestService(ownedPuzzleStore())
	rr := serve(t, svc, http.MethodGet, "/api/userPuzzles", "not-a-jwt", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestCreatePuzzleUsesCallerAsOwner(t *testing.T) {
	var gotName, gotOwner string
	fs := &fakeStore{
		createPuzzleFn: func(_ context.Context, name, owner string) (store.Puzzle, error) {
			gotName, gotOwner = name, owner
			return store.Puzzle{ID: testPuzzleID, Name: name, OwnerID: owner}, nil
		},
	}
	svc := newTestService(fs)

	rr := serve(t, svc, http.MethodPost, "/api/puzzle", tokenFor(t, ownerID), bytes.NewBufferString(`{"name":"  riddle "}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if id := decodeMap(t, rr)["id"]; id != testPuzzleID {
		t.Fatalf("expected id %s, got %v", testPuzzleID, id)
	}
	if gotName != "riddle" || gotOwner != ownerID {
		t.Fatalf("unexpected create args: name=%q owner=%q", gotName, gotOwner)
	}
}

func TestCreatePuzzleValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	token := tokenFor(t, ownerID)

	rr := serve(t, svc, http.MethodPost, "/api/puzzle", token, bytes.NewBufferString(`{"name":"   "}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", rr.Code)
	}
	rr = serve(t, svc, http.MethodPost, "/api/puzzle", token, bytes.NewBufferString(`{"name":`))
	if rr.Code != http.StatusBadRequest || decodeMap(t, rr)["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400 INVALID_BODY, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestGetPuzzleStatusMapping(t *testing.T) {
	svc := newTestService(ownedPuzzleStore())
	cases := []struct {
		name   string
		target string
		caller string
		status int
		code   string
	}{
		{name: "owner", target: "/api/puzzle/" + testPuzzleID, caller: ownerID, status: http.StatusOK},
		{name: "stranger", target: "/api/puzzle/" + testPuzzleID, caller: strangerID, status: http.StatusUnauthorized, code: "NOT_OWNER"},
		{name: "missing", target: "/api/puzzle/" + missingID, caller: ownerID, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "malformed", target: "/api/puzzle/42", caller: ownerID, status: http.StatusBadRequest, code: "INVALID_ID"},
		{name: "no id", target: "/api/puzzle", caller: ownerID, status: http.StatusBadRequest, code: "INVALID_ID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(t, svc, http.MethodGet, tc.target, tokenFor(t, tc.caller), nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			payload := decodeMap(t, rr)
			if tc.code != "" && payload["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, payload["code"])
			}
			if tc.status == http.StatusOK && (payload["id"] != testPuzzleID || payload["name"] != "riddle") {
				t.Fatalf("unexpected puzzle payload: %v", payload)
			}
		})
	}
}

func TestRenamePuzzle(t *testing.T) {
	fs := ownedPuzzleStore()
	var renamed string
	fs.updatePuzzleFn = func(_ context.Context, _ string, name string) (bool, error) {
		renamed = name
		return true, nil
	}
	svc := newTestService(fs)

	rr := serve(t, svc, http.MethodPut, "/api/puzzle/"+testPuzzleID, tokenFor(t, ownerID), bytes.NewBufferString(`{"name":"harder riddle"}`))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}
	if renamed != "harder riddle" {
		t.Fatalf("expected rename to reach store, got %q", renamed)
	}

	rr = serve(t, svc, http.MethodPut, "/api/puzzle/"+testPuzzleID, tokenFor(t, strangerID), bytes.NewBufferString(`{"name":"mine now"}`))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stranger, got %d", rr.Code)
	}
}

func TestDeletePuzzle(t *testing.T) {
	fs := ownedPuzzleStore()
	deleted := false
	fs.markPuzzleDeletedFn = func(context.Context, string) (bool, error) {
		deleted = true
		return true, nil
	}
	svc := newTestService(fs)

	rr := serve(t, svc, http.MethodDelete, "/api/puzzle/"+testPuzzleID, tokenFor(t, strangerID), nil)
	if rr.Code != http.StatusUnauthorized || deleted {
		t.Fatalf("expected stranger delete to be refused, got %d deleted=%v", rr.Code, deleted)
	}
	rr = serve(t, svc, http.MethodDelete, "/api/puzzle/"+testPuzzleID, tokenFor(t, ownerID), nil)
	if rr.Code != http.StatusNoContent || !deleted {
		t.Fatalf("expected 204 and soft delete, got %d deleted=%v", rr.Code, deleted)
	}
	rr = serve(t, svc, http.MethodDelete, "/api/puzzle/"+missingID, tokenFor(t, ownerID), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing puzzle, got %d", rr.Code)
	}
}

func TestStoreFailureIsServerError(t *testing.T) {
	fs := &fakeStore{
		getPuzzleFn: func(context.Context, string) (store.Puzzle, bool, error) {
			return store.Puzzle{}, false, context.DeadlineExceeded
		},
	}
	svc := newTestService(fs)
	rr := serve(t, svc, http.MethodGet, "/api/puzzle/"+testPuzzleID, tokenFor(t, ownerID), nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "SERVER_ERROR" {
		t.Fatalf("expected SERVER_ERROR, got %v", code)
	}
}

func TestUserPuzzlesListsCallerPuzzles(t *testing.T) {
	var askedFor string
	fs := &fakeStore{
		listPuzzlesForUserFn: func(_ context.Context, owner string) ([]store.Puzzle, error) {
			askedFor = owner
			return []store.Puzzle{
				{ID: testPuzzleID, Name: "riddle", OwnerID: owner},
				{ID: missingID, Name: "enigma", OwnerID: owner},
			}, nil
		},
	}
	svc := newTestService(fs)

	rr := serve(t, svc, http.MethodGet, "/api/userPuzzles", tokenFor(t, ownerID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var items []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if askedFor != ownerID || len(items) != 2 || items[1]["name"] != "enigma" {
		t.Fatalf("unexpected listing for %q: %v", askedFor, items)
	}
	if _, hasOwner := items[0]["owner"]; hasOwner {
		t.Fatalf("listing should expose only id and name: %v", items[0])
	}
}

func TestUserPuzzlesEmptyListIsArray(t *testing.T) {
	svc := newTestService(&fakeStore{})
	rr := serve(t, svc, http.MethodGet, "/api/userPuzzles", tokenFor(t, ownerID), nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "[]\n" {
		t.Fatalf("expected empty array, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestUnsupportedMethodsAreNotImplemented(t *testing.T) {
	svc := newTestService(ownedPuzzleStore())
	cases := []struct {
		method string
		target string
	}{
		{method: http.MethodPatch, target: "/api/puzzle/" + testPuzzleID},
		{method: http.MethodPatch, target: "/api/puzzleAnswer/" + testAnswerID},
		{method: http.MethodPost, target: "/api/userPuzzles"},
		{method: http.MethodPost, target: "/api/queryPuzzle/" + testPuzzleID + "/5"},
		{method: http.MethodPost, target: "/api/puzzle/" + testPuzzleID},
	}
	for _, tc := range cases {
		rr := serve(t, svc, tc.method, tc.target, tokenFor(t, ownerID), nil)
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("%s %s: expected 501, got %d", tc.method, tc.target, rr.Code)
		}
	}
}

func TestOptionsPreflight(t *testing.T) {
	svc := newTestService(&fakeStore{})
	rr := serve(t, svc, http.MethodOptions, "/api/puzzle/"+testPuzzleID, "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected CORS origin header, got %q", origin)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{})
	for _, target := range []string{"/", "/api", "/api/nothing", "/api/puzzle/" + testPuzzleID + "/extra"} {
		rr := serve(t, svc, http.MethodGet, target, tokenFor(t, ownerID), nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("GET %s: expected 404, got %d", target, rr.Code)
		}
	}
}
