package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"puzzlehost/api/internal/auth"
	"puzzlehost/api/internal/notify"
	"puzzlehost/api/internal/store"
	"puzzlehost/api/internal/util"
	"puzzlehost/api/internal/verify"
)

type HTTPServer struct {
	service    *Service
	registry   *notify.Registry
	corsOrigin string
}

func NewHTTPServer(service *Service, registry *notify.Registry, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, registry: registry, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
		})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "puzzle" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Method not supported", nil)
			return
		}
		s.handlePuzzleListener(w, r, parts[1])
		return
	}

	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if parts[1] == "queryPuzzle" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Method not supported", nil)
			return
		}
		s.handleQueryPuzzle(w, r)
		return
	}

	if parts[1] == "userPuzzles" && len(parts) == 2 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Method not supported", nil)
			return
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		puzzles, err := s.service.ListUserPuzzles(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(puzzles))
		for _, puzzle := range puzzles {
			items = append(items, puzzlePayload(puzzle))
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if parts[1] == "puzzle" && len(parts) <= 3 {
		s.handlePuzzle(w, r, parts[2:])
		return
	}

	if parts[1] == "puzzleAnswer" && len(parts) <= 3 {
		s.handlePuzzleAnswer(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"cache":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	configured, err := s.service.PingCache(ctx)
	switch {
	case !configured:
		checks["cache"] = map[string]any{"status": "disabled"}
	case err != nil:
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["cache"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handlePuzzle(w http.ResponseWriter, r *http.Request, rest []string) {
	if !supportedMethod(r.Method) {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Method not supported", nil)
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost {
		if len(rest) != 0 {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Method not supported", nil)
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		puzzle, err := s.service.CreatePuzzle(r.Context(), session, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": puzzle.ID})
		return
	}

	puzzleID, ok := pathID(w, rest, "Invalid puzzle id")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		puzzle, err := s.service.GetPuzzle(r.Context(), session, puzzleID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, puzzlePayload(puzzle))
	case http.MethodPut:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RenamePuzzle(r.Context(), session, puzzleID, body.Name); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.service.DeletePuzzle(r.Context(), session, puzzleID); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HTTPServer) handlePuzzleAnswer(w http.ResponseWriter, r *http.Request, rest []string) {
	if !supportedMethod(r.Method) {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Method not supported", nil)
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost {
		if len(rest) != 0 {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Method not supported", nil)
			return
		}
		var body CreateAnswerInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		answer, err := s.service.CreateAnswer(r.Context(), session, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": answer.ID})
		return
	}

	if r.Method == http.MethodGet {
		_, byPuzzle := r.URL.Query()["puzzle"]
		if byPuzzle && len(rest) != 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Use either a puzzle id or an answer id, not both", nil)
			return
		}
		if byPuzzle {
			puzzleID, ok := util.ParseID(r.URL.Query().Get("puzzle"))
			if !ok {
				writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid puzzle id", nil)
				return
			}
			answers, err := s.service.ListAnswers(r.Context(), session, puzzleID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			items := make([]map[string]any, 0, len(answers))
			for _, answer := range answers {
				items = append(items, answerPayload(answer))
			}
			writeJSON(w, http.StatusOK, items)
			return
		}
	}

	answerID, ok := pathID(w, rest, "Invalid puzzle id or answer id")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		answer, err := s.service.GetAnswer(r.Context(), session, answerID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, answerPayload(answer))
	case http.MethodPut:
		var body UpdateAnswerInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateAnswer(r.Context(), session, answerID, body); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.service.DeleteAnswer(r.Context(), session, answerID); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleQueryPuzzle serves /api/queryPuzzle/{id}/{guess}/... where every
// segment after the id is one guess, decoded from its escaped form.
func (s *HTTPServer) handleQueryPuzzle(w http.ResponseWriter, r *http.Request) {
	escaped := splitPath(r.URL.EscapedPath())
	if len(escaped) < 3 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid puzzle id", nil)
		return
	}
	segments := escaped[2:]
	decoded := make([]string, 0, len(segments))
	for _, segment := range segments {
		value, err := url.PathUnescape(segment)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Malformed path segment", nil)
			return
		}
		decoded = append(decoded, value)
	}

	puzzleID, ok := util.ParseID(decoded[0])
	guesses := decoded[1:]
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid puzzle id", nil)
		return
	}
	if len(guesses) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "At least one guess is required", nil)
		return
	}

	outcome, err := s.service.CheckGuess(r.Context(), puzzleID, guesses)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch outcome {
	case verify.NotFound:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Puzzle not found", nil)
	case verify.Correct:
		writeJSON(w, http.StatusOK, map[string]any{"result": outcome.String()})
	case verify.TooMany:
		writeJSON(w, http.StatusRequestURITooLong, map[string]any{"result": outcome.String(), "reason": "too many guesses"})
	default:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"result": outcome.String()})
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusForbidden, "UNAUTHENTICATED", "Authentication required", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusForbidden, "UNAUTHENTICATED", "Authentication required", nil)
			return Session{}, false
		}
		log.Printf("session lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// fail writes the mapped error and logs anything that is not a domain error.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf(`{"request_id":"%s","error":%q}`, requestIDFrom(r.Context()), err.Error())
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the subscription endpoint take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func supportedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// pathID returns the single identifier segment, writing 400 when it is
// missing or malformed.
func pathID(w http.ResponseWriter, rest []string, message string) (string, bool) {
	if len(rest) != 1 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", message, nil)
		return "", false
	}
	id, ok := util.ParseID(rest[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", message, nil)
		return "", false
	}
	return id, true
}

func puzzlePayload(puzzle store.Puzzle) map[string]any {
	return map[string]any{"id": puzzle.ID, "name": puzzle.Name}
}

func answerPayload(answer store.Answer) map[string]any {
	return map[string]any{
		"id":          answer.ID,
		"value":       answer.Value,
		"puzzle":      answer.PuzzleID,
		"answerIndex": answer.AnswerIndex,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusForbidden, "UNAUTHENTICATED", "Authentication required", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
