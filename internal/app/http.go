package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"blockspace/api/internal/auth"
	"blockspace/api/internal/authpw"
	"blockspace/api/internal/session"
	"blockspace/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

// Router builds the REST surface. The websocket endpoint is mounted
// separately in main so this package stays transport-agnostic about it.
func (s *HTTPServer) Router() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)

	api.HandleFunc("/spaces", s.handleCreateSpace).Methods(http.MethodPost)
	api.HandleFunc("/spaces", s.handleListSpaces).Methods(http.MethodGet)
	api.HandleFunc("/spaces/{spaceID}", s.handleGetSpace).Methods(http.MethodGet)
	api.HandleFunc("/spaces/{spaceID}", s.handleUpdateSpace).Methods(http.MethodPut)
	api.HandleFunc("/spaces/{spaceID}", s.handleDeleteSpace).Methods(http.MethodDelete)
	api.HandleFunc("/spaces/{spaceID}/presence", s.handlePresence).Methods(http.MethodGet)

	api.HandleFunc("/spaces/{spaceID}/members", s.handleAddMember).Methods(http.MethodPost)
	api.HandleFunc("/spaces/{spaceID}/members", s.handleListMembers).Methods(http.MethodGet)
	api.HandleFunc("/spaces/{spaceID}/members/{userID}", s.handleChangeMemberRole).Methods(http.MethodPut)
	api.HandleFunc("/spaces/{spaceID}/members/{userID}", s.handleRemoveMember).Methods(http.MethodDelete)

	api.HandleFunc("/spaces/{spaceID}/blocks", s.handleCreateBlock).Methods(http.MethodPost)
	api.HandleFunc("/spaces/{spaceID}/blocks", s.handleListBlocks).Methods(http.MethodGet)
	api.HandleFunc("/spaces/{spaceID}/blocks/reorder", s.handleReorderBlocks).Methods(http.MethodPut)
	api.HandleFunc("/spaces/{spaceID}/blocks/{blockID}", s.handleGetBlock).Methods(http.MethodGet)
	api.HandleFunc("/spaces/{spaceID}/blocks/{blockID}", s.handleUpdateBlock).Methods(http.MethodPut)
	api.HandleFunc("/spaces/{spaceID}/blocks/{blockID}", s.handleDeleteBlock).Methods(http.MethodDelete)

	return router
}

// Handler wraps the router with the request-ID, CORS, and logging
// middleware. Preflight requests are answered before route matching so
// OPTIONS needs no per-route registration.
func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.Router())
}

// --- Health ---

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	payload := map[string]any{"ok": true, "status": "ready"}
	if err := s.service.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		payload = map[string]any{"ok": false, "status": "not_ready", "error": err.Error()}
	}
	writeJSON(w, status, payload)
}

// --- Auth ---

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Username) == "" || strings.TrimSpace(body.Email) == "" || body.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "Username, email, and password are required", nil)
		return
	}
	if len(body.Password) < 8 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "Password must be at least 8 characters", nil)
		return
	}

	sess, err := s.service.Register(r.Context(), body.Username, body.Email, body.Password)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(sess))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	sess, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "Refresh token is required", nil)
		return
	}

	sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = decodeBody(r, &body)

	if err := s.service.Logout(r.Context(), sess, body.RefreshToken); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"id":       sess.UserID,
			"username": sess.Username,
			"email":    sess.Email,
		},
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// --- Spaces ---

func (s *HTTPServer) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	space, err := s.service.CreateSpace(r.Context(), sess, body.Name)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, spaceJSON(space))
}

func (s *HTTPServer) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	spaces, err := s.service.ListSpaces(r.Context(), sess)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	payload := make([]map[string]any, 0, len(spaces))
	for _, space := range spaces {
		payload = append(payload, spaceJSON(space))
	}
	writeJSON(w, http.StatusOK, map[string]any{"spaces": payload})
}

func (s *HTTPServer) handleGetSpace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	space, err := s.service.GetSpace(r.Context(), sess, mux.Vars(r)["spaceID"])
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, spaceJSON(space))
}

func (s *HTTPServer) handleUpdateSpace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	space, err := s.service.UpdateSpace(r.Context(), sess, mux.Vars(r)["spaceID"], body.Name)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, spaceJSON(space))
}

func (s *HTTPServer) handleDeleteSpace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteSpace(r.Context(), sess, mux.Vars(r)["spaceID"]); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	entries, err := s.service.Presence(r.Context(), sess, mux.Vars(r)["spaceID"])
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_users": entries})
}

// --- Members ---

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	membership, err := s.service.AddMember(r.Context(), sess, mux.Vars(r)["spaceID"], body.UserID, body.Role)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, memberJSON(membership))
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	members, err := s.service.ListMembers(r.Context(), sess, mux.Vars(r)["spaceID"])
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	payload := make([]map[string]any, 0, len(members))
	for _, member := range members {
		payload = append(payload, memberJSON(member))
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": payload})
}

func (s *HTTPServer) handleChangeMemberRole(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	membership, err := s.service.ChangeMemberRole(r.Context(), sess, vars["spaceID"], vars["userID"], body.Role)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memberJSON(membership))
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.service.RemoveMember(r.Context(), sess, vars["spaceID"], vars["userID"]); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Blocks ---

func (s *HTTPServer) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	block, err := s.service.CreateBlock(r.Context(), sess, mux.Vars(r)["spaceID"], body.Type, body.Content)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, blockJSON(block))
}

func (s *HTTPServer) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	blocks, err := s.service.ListBlocks(r.Context(), sess, mux.Vars(r)["spaceID"])
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocksJSON(blocks)})
}

func (s *HTTPServer) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	block, err := s.service.GetBlock(r.Context(), sess, vars["spaceID"], vars["blockID"])
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blockJSON(block))
}

func (s *HTTPServer) handleUpdateBlock(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Type    *string `json:"type"`
		Content *string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if body.Type == nil && body.Content == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "Nothing to update", nil)
		return
	}
	vars := mux.Vars(r)
	block, err := s.service.UpdateBlock(r.Context(), sess, vars["spaceID"], vars["blockID"], body.Type, body.Content)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blockJSON(block))
}

func (s *HTTPServer) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.service.DeleteBlock(r.Context(), sess, vars["spaceID"], vars["blockID"]); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReorderBlocks(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		BlockIDs []string `json:"block_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	blocks, err := s.service.ReorderBlocks(r.Context(), sess, mux.Vars(r)["spaceID"], body.BlockIDs)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocksJSON(blocks)})
}

// --- Plumbing ---

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
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

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}

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

// requestIDFrom recovers the id the middleware attached to the request.
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

// writeMappedError translates a service error and answers it. Server-side
// failures are logged with the request id before the generic reply goes
// out.
func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf(`{"request_id":"%s","path":"%s","error":%q}`,
			requestIDFrom(r.Context()), r.URL.Path, err.Error())
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, session.ErrTokenNotFound):
		return http.StatusUnauthorized, "INVALID_REFRESH", "Refresh token is invalid or expired", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_TAKEN", "Email is already registered", nil
	case errors.Is(err, authpw.ErrInactiveAccount):
		return http.StatusForbidden, "ACCOUNT_INACTIVE", "Account is deactivated", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// --- Payload shaping ---

func sessionPayload(sess Session) map[string]any {
	return map[string]any{
		"token":         sess.Token,
		"refresh_token": sess.RefreshToken,
		"expires_at":    sess.ExpiresAt.UTC().Format(time.RFC3339),
		"user": map[string]any{
			"id":       sess.UserID,
			"username": sess.Username,
			"email":    sess.Email,
		},
	}
}

func spaceJSON(space store.Space) map[string]any {
	return map[string]any{
		"id":         space.ID,
		"name":       space.Name,
		"owner_id":   space.OwnerID,
		"created_at": space.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": space.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func memberJSON(membership store.Membership) map[string]any {
	return map[string]any{
		"user_id":    membership.UserID,
		"space_id":   membership.SpaceID,
		"username":   membership.Username,
		"role":       membership.Role,
		"is_creator": membership.IsCreator,
		"joined_at":  membership.JoinedAt.UTC().Format(time.RFC3339),
	}
}

func blockJSON(block store.Block) map[string]any {
	return map[string]any{
		"id":         block.ID,
		"space_id":   block.SpaceID,
		"type":       block.Type,
		"content":    block.Content,
		"sort_order": block.SortOrder,
		"owner_id":   block.OwnerID,
		"created_at": block.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": block.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func blocksJSON(blocks []store.Block) []map[string]any {
	payload := make([]map[string]any, 0, len(blocks))
	for _, block := range blocks {
		payload = append(payload, blockJSON(block))
	}
	return payload
}
