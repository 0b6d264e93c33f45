package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"blockspace/api/internal/auth"
	"blockspace/api/internal/authpw"
	"blockspace/api/internal/config"
	"blockspace/api/internal/rbac"
	"blockspace/api/internal/realtime"
	"blockspace/api/internal/session"
	"blockspace/api/internal/store"
	"blockspace/api/internal/util"
)

// Session is an authenticated caller. RefreshToken is only populated on
// issuance; lookups from a bearer token leave it empty.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the slice of store.PostgresStore the service uses.
type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertSpace(ctx context.Context, space store.Space) error
	GetSpace(ctx context.Context, spaceID string) (store.Space, error)
	ListSpacesForUser(ctx context.Context, userID string) ([]store.Space, error)
	UpdateSpace(ctx context.Context, spaceID, name string) error
	DeleteSpace(ctx context.Context, spaceID string) error

	GetMembership(ctx context.Context, userID, spaceID string) (store.Membership, error)
	InsertMembership(ctx context.Context, membership store.Membership) error
	ListMembers(ctx context.Context, spaceID string) ([]store.Membership, error)
	UpdateMembershipRole(ctx context.Context, userID, spaceID, role string) error
	DeleteMembership(ctx context.Context, userID, spaceID string) error

	InsertBlock(ctx context.Context, block store.Block) (store.Block, error)
	GetBlock(ctx context.Context, blockID string) (store.Block, error)
	ListBlocks(ctx context.Context, spaceID string) ([]store.Block, error)
	UpdateBlockContent(ctx context.Context, blockID string, blockType, content *string) (store.Block, error)
	DeleteBlock(ctx context.Context, blockID string) error
	ListBlockIDs(ctx context.Context, spaceID string) ([]string, error)
	ReorderBlocks(ctx context.Context, spaceID string, orderedIDs []string) error
}

// refreshStore is the slice of session.RedisStore the service uses.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, data session.TokenData, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// PresenceLister reports the live sessions in a space.
type PresenceLister interface {
	ListPresence(spaceID string) []realtime.PresenceEntry
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	tokens    auth.Codec
	passwords *authpw.Service
	presence  PresenceLister
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, presence PresenceLister) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		tokens:    auth.NewCodec([]byte(cfg.TokenSecret)),
		passwords: authpw.NewService(dataStore),
		presence:  presence,
	}
}

// Ping reports readiness of the backing stores.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.sessions.Ping(ctx)
}

// --- Accounts and sessions ---

func (s *Service) Register(ctx context.Context, username, email, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Username: strings.TrimSpace(username),
		Email:    strings.TrimSpace(strings.ToLower(email)),
		Password: password,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Authenticate(ctx, strings.TrimSpace(strings.ToLower(email)), password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented one is revoked before
// a new pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, authpw.ErrInactiveAccount
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := s.tokens.Issue(auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), session.TokenData{
		UserID:    user.ID,
		Username:  user.Username,
		CreatedAt: now,
	}, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the access token's JTI and, when supplied, the refresh
// token. Both revocations are best-effort.
func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- Spaces ---

func (s *Service) CreateSpace(ctx context.Context, sess Session, name string) (store.Space, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Space{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", "Space name is required", nil)
	}
	now := time.Now()
	space := store.Space{
		ID:        util.NewID("sp"),
		Name:      name,
		OwnerID:   sess.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertSpace(ctx, space); err != nil {
		return store.Space{}, err
	}
	return space, nil
}

func (s *Service) ListSpaces(ctx context.Context, sess Session) ([]store.Space, error) {
	return s.store.ListSpacesForUser(ctx, sess.UserID)
}

func (s *Service) GetSpace(ctx context.Context, sess Session, spaceID string) (store.Space, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ViewSpace); err != nil {
		return store.Space{}, err
	}
	return s.store.GetSpace(ctx, spaceID)
}

func (s *Service) UpdateSpace(ctx context.Context, sess Session, spaceID, name string) (store.Space, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Space{}, domainError(http.StatusUnprocessableEntity, "VALIDATION", "Space name is required", nil)
	}
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.EditSpaceSettings); err != nil {
		return store.Space{}, err
	}
	if err := s.store.UpdateSpace(ctx, spaceID, name); err != nil {
		return store.Space{}, err
	}
	return s.store.GetSpace(ctx, spaceID)
}

func (s *Service) DeleteSpace(ctx context.Context, sess Session, spaceID string) error {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.DeleteSpace); err != nil {
		return err
	}
	return s.store.DeleteSpace(ctx, spaceID)
}

// Presence lists the live sessions in a space; membership is required.
func (s *Service) Presence(ctx context.Context, sess Session, spaceID string) ([]realtime.PresenceEntry, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ViewSpace); err != nil {
		return nil, err
	}
	entries := s.presence.ListPresence(spaceID)
	if entries == nil {
		entries = []realtime.PresenceEntry{}
	}
	return entries, nil
}

// --- Members ---

func (s *Service) AddMember(ctx context.Context, sess Session, spaceID, userID, role string) (store.Membership, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ManageMembers); err != nil {
		return store.Membership{}, err
	}
	if err := validRole(role); err != nil {
		return store.Membership{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Membership{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
		}
		return store.Membership{}, err
	}
	if _, err := s.store.GetMembership(ctx, user.ID, spaceID); err == nil {
		return store.Membership{}, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member of this space", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, err
	}

	membership := store.Membership{
		UserID:   user.ID,
		SpaceID:  spaceID,
		Role:     role,
		JoinedAt: time.Now(),
		Username: user.Username,
	}
	if err := s.store.InsertMembership(ctx, membership); err != nil {
		return store.Membership{}, err
	}
	return membership, nil
}

func (s *Service) ListMembers(ctx context.Context, sess Session, spaceID string) ([]store.Membership, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ViewSpace); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, spaceID)
}

// ChangeMemberRole reassigns a member's role. The creator's membership is
// immutable so the space always keeps an admin with delete rights.
func (s *Service) ChangeMemberRole(ctx context.Context, sess Session, spaceID, userID, role string) (store.Membership, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ManageMembers); err != nil {
		return store.Membership{}, err
	}
	if err := validRole(role); err != nil {
		return store.Membership{}, err
	}
	target, err := s.store.GetMembership(ctx, userID, spaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Membership{}, domainError(http.StatusNotFound, "NOT_A_MEMBER", "User is not a member of this space", nil)
		}
		return store.Membership{}, err
	}
	if target.IsCreator {
		return store.Membership{}, domainError(http.StatusForbidden, "CREATOR_IMMUTABLE", "The space creator's role cannot be changed", nil)
	}
	if err := s.store.UpdateMembershipRole(ctx, userID, spaceID, role); err != nil {
		return store.Membership{}, err
	}
	target.Role = role
	return target, nil
}

// RemoveMember removes a membership. Members may remove themselves;
// removing anyone else requires member management rights. The creator can
// never be removed.
func (s *Service) RemoveMember(ctx context.Context, sess Session, spaceID, userID string) error {
	if sess.UserID != userID {
		if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ManageMembers); err != nil {
			return err
		}
	}
	target, err := s.store.GetMembership(ctx, userID, spaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_A_MEMBER", "User is not a member of this space", nil)
		}
		return err
	}
	if target.IsCreator {
		return domainError(http.StatusForbidden, "CREATOR_IMMUTABLE", "The space creator cannot be removed", nil)
	}
	return s.store.DeleteMembership(ctx, userID, spaceID)
}

// --- Blocks ---

func (s *Service) CreateBlock(ctx context.Context, sess Session, spaceID, blockType, content string) (store.Block, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.CreateBlocks); err != nil {
		return store.Block{}, err
	}
	if strings.TrimSpace(blockType) == "" {
		blockType = "text"
	}
	now := time.Now()
	block := store.Block{
		ID:        util.NewID("blk"),
		SpaceID:   spaceID,
		Type:      blockType,
		Content:   content,
		OwnerID:   sess.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.store.InsertBlock(ctx, block)
}

func (s *Service) ListBlocks(ctx context.Context, sess Session, spaceID string) ([]store.Block, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ViewBlocks); err != nil {
		return nil, err
	}
	return s.store.ListBlocks(ctx, spaceID)
}

func (s *Service) GetBlock(ctx context.Context, sess Session, spaceID, blockID string) (store.Block, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ViewBlocks); err != nil {
		return store.Block{}, err
	}
	return s.blockInSpace(ctx, spaceID, blockID)
}

func (s *Service) UpdateBlock(ctx context.Context, sess Session, spaceID, blockID string, blockType, content *string) (store.Block, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.EditBlocks); err != nil {
		return store.Block{}, err
	}
	if _, err := s.blockInSpace(ctx, spaceID, blockID); err != nil {
		return store.Block{}, err
	}
	return s.store.UpdateBlockContent(ctx, blockID, blockType, content)
}

func (s *Service) DeleteBlock(ctx context.Context, sess Session, spaceID, blockID string) error {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.DeleteBlocks); err != nil {
		return err
	}
	if _, err := s.blockInSpace(ctx, spaceID, blockID); err != nil {
		return err
	}
	return s.store.DeleteBlock(ctx, blockID)
}

// ReorderBlocks applies a full ordering. The submitted list must name
// every block in the space exactly once; anything else is rejected
// without touching storage.
func (s *Service) ReorderBlocks(ctx context.Context, sess Session, spaceID string, orderedIDs []string) ([]store.Block, error) {
	if _, err := s.requirePermission(ctx, sess, spaceID, rbac.ReorderBlocks); err != nil {
		return nil, err
	}
	current, err := s.store.ListBlockIDs(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if err := validatePermutation(current, orderedIDs); err != nil {
		return nil, err
	}
	if err := s.store.ReorderBlocks(ctx, spaceID, orderedIDs); err != nil {
		return nil, err
	}
	return s.store.ListBlocks(ctx, spaceID)
}

// --- Realtime adapters ---

// AuthenticateByToken resolves a handshake credential for the websocket
// layer.
func (s *Service) AuthenticateByToken(ctx context.Context, token string) (realtime.Identity, error) {
	sess, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{UserID: sess.UserID, Username: sess.Username}, nil
}

// GetMembership resolves a user's standing in a space for the websocket
// layer. A missing membership is reported, not an error.
func (s *Service) GetMembership(ctx context.Context, userID, spaceID string) (realtime.Membership, bool, error) {
	membership, err := s.store.GetMembership(ctx, userID, spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return realtime.Membership{}, false, nil
	}
	if err != nil {
		return realtime.Membership{}, false, err
	}
	return realtime.Membership{
		Role:      rbac.Normalize(membership.Role),
		IsCreator: membership.IsCreator,
	}, true, nil
}

// --- Helpers ---

func (s *Service) requirePermission(ctx context.Context, sess Session, spaceID string, perm rbac.Permission) (store.Membership, error) {
	membership, err := s.store.GetMembership(ctx, sess.UserID, spaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Membership{}, domainError(http.StatusForbidden, "NOT_A_MEMBER", "Not a member of this space", nil)
		}
		return store.Membership{}, err
	}
	if !rbac.Allowed(rbac.Normalize(membership.Role), perm, membership.IsCreator) {
		return store.Membership{}, domainError(http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", nil)
	}
	return membership, nil
}

func (s *Service) blockInSpace(ctx context.Context, spaceID, blockID string) (store.Block, error) {
	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return store.Block{}, err
	}
	if block.SpaceID != spaceID {
		return store.Block{}, sql.ErrNoRows
	}
	return block, nil
}

func validRole(role string) error {
	switch rbac.Role(role) {
	case rbac.RoleAdmin, rbac.RoleParticipant, rbac.RoleVisitor:
		return nil
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION", "Role must be admin, participant, or visitor", nil)
}

func validatePermutation(current, submitted []string) error {
	if len(submitted) != len(current) {
		return domainError(http.StatusUnprocessableEntity, "INVALID_ORDERING", "Ordering must list every block in the space exactly once", nil)
	}
	seen := make(map[string]bool, len(current))
	for _, id := range current {
		seen[id] = false
	}
	for _, id := range submitted {
		used, ok := seen[id]
		if !ok {
			return domainError(http.StatusUnprocessableEntity, "INVALID_ORDERING", "Ordering names a block that is not in this space", nil)
		}
		if used {
			return domainError(http.StatusUnprocessableEntity, "INVALID_ORDERING", "Ordering lists a block more than once", nil)
		}
		seen[id] = true
	}
	return nil
}
