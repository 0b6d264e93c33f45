package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, is_active, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.IsActive, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, is_active, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.IsActive, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ---- access token revocation ----

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- spaces ----

// InsertSpace creates the space and the creator's admin membership in one
// transaction, so a space never exists without its creator as a member.
func (s *PostgresStore) InsertSpace(ctx context.Context, space Space) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert space: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO spaces (id, name, owner_id)
		VALUES ($1, $2, $3)
	`, space.ID, space.Name, space.OwnerID); err != nil {
		return fmt.Errorf("insert space: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO space_memberships (user_id, space_id, role, is_creator)
		VALUES ($1, $2, 'admin', TRUE)
	`, space.OwnerID, space.ID); err != nil {
		return fmt.Errorf("insert creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert space: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSpace(ctx context.Context, spaceID string) (Space, error) {
	var item Space
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at, updated_at
		FROM spaces
		WHERE id=$1
	`, spaceID).Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Space{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListSpacesForUser(ctx context.Context, userID string) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.id, sp.name, sp.owner_id, sp.created_at, sp.updated_at
		FROM spaces sp
		JOIN space_memberships m ON m.space_id = sp.id
		WHERE m.user_id=$1
		ORDER BY sp.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	items := make([]Space, 0)
	for rows.Next() {
		var item Space
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateSpace(ctx context.Context, spaceID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE spaces SET name=$2, updated_at=NOW() WHERE id=$1
	`, spaceID, name)
	if err != nil {
		return fmt.Errorf("update space: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update space rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteSpace(ctx context.Context, spaceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM spaces WHERE id=$1`, spaceID)
	if err != nil {
		return fmt.Errorf("delete space: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete space rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- memberships ----

func (s *PostgresStore) GetMembership(ctx context.Context, userID, spaceID string) (Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT m.user_id, m.space_id, m.role, m.is_creator, m.joined_at, u.username
		FROM space_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.user_id=$1 AND m.space_id=$2
	`, userID, spaceID).Scan(&item.UserID, &item.SpaceID, &item.Role, &item.IsCreator, &item.JoinedAt, &item.Username)
	if err != nil {
		return Membership{}, err
	}
	return item, nil
}

// InsertMembership is a no-op for an existing (user, space) pair; the
// stored membership wins, matching idempotent member invites.
func (s *PostgresStore) InsertMembership(ctx context.Context, membership Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_memberships (user_id, space_id, role, is_creator)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (user_id, space_id) DO NOTHING
	`, membership.UserID, membership.SpaceID, membership.Role)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, spaceID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, m.space_id, m.role, m.is_creator, m.joined_at, u.username
		FROM space_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.space_id=$1
		ORDER BY m.joined_at ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.UserID, &item.SpaceID, &item.Role, &item.IsCreator, &item.JoinedAt, &item.Username); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, userID, spaceID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE space_memberships SET role=$3 WHERE user_id=$1 AND space_id=$2
	`, userID, spaceID, role)
	if err != nil {
		return fmt.Errorf("update membership role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update membership rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, userID, spaceID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM space_memberships WHERE user_id=$1 AND space_id=$2
	`, userID, spaceID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete membership rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- blocks ----

// InsertBlock appends the block at the next dense position for its space.
func (s *PostgresStore) InsertBlock(ctx context.Context, block Block) (Block, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO blocks (id, space_id, type, content, sort_order, owner_id)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(sort_order) + 1, 0) FROM blocks WHERE space_id=$2),
			$5)
		RETURNING id, space_id, type, content, sort_order, owner_id, created_at, updated_at
	`, block.ID, block.SpaceID, block.Type, block.Content, block.OwnerID).Scan(
		&block.ID, &block.SpaceID, &block.Type, &block.Content, &block.SortOrder,
		&block.OwnerID, &block.CreatedAt, &block.UpdatedAt,
	)
	if err != nil {
		return Block{}, fmt.Errorf("insert block: %w", err)
	}
	return block, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, blockID string) (Block, error) {
	var item Block
	err := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, type, content, sort_order, owner_id, created_at, updated_at
		FROM blocks
		WHERE id=$1
	`, blockID).Scan(&item.ID, &item.SpaceID, &item.Type, &item.Content, &item.SortOrder, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Block{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListBlocks(ctx context.Context, spaceID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, type, content, sort_order, owner_id, created_at, updated_at
		FROM blocks
		WHERE space_id=$1
		ORDER BY sort_order ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	items := make([]Block, 0)
	for rows.Next() {
		var item Block
		if err := rows.Scan(&item.ID, &item.SpaceID, &item.Type, &item.Content, &item.SortOrder, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return items, nil
}

// UpdateBlockContent applies a last-write-wins content update and returns
// the stored row. A nil type or content leaves that column unchanged.
func (s *PostgresStore) UpdateBlockContent(ctx context.Context, blockID string, blockType, content *string) (Block, error) {
	var item Block
	err := s.db.QueryRowContext(ctx, `
		UPDATE blocks
		SET type=COALESCE($2, type), content=COALESCE($3, content), updated_at=NOW()
		WHERE id=$1
		RETURNING id, space_id, type, content, sort_order, owner_id, created_at, updated_at
	`, blockID, blockType, content).Scan(
		&item.ID, &item.SpaceID, &item.Type, &item.Content, &item.SortOrder,
		&item.OwnerID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Block{}, err
	}
	return item, nil
}

// DeleteBlock removes the block and renumbers the remaining blocks of its
// space densely from zero, in one transaction.
func (s *PostgresStore) DeleteBlock(ctx context.Context, blockID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete block: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var spaceID string
	err = tx.QueryRowContext(ctx, `DELETE FROM blocks WHERE id=$1 RETURNING space_id`, blockID).Scan(&spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}

	if err := renumberBlocks(ctx, tx, spaceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete block: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBlockIDs(ctx context.Context, spaceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM blocks WHERE space_id=$1 ORDER BY sort_order ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list block ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan block id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block ids: %w", err)
	}
	return ids, nil
}

// ReorderBlocks assigns sort_order 0..n-1 following orderedIDs. The caller
// validates that orderedIDs is a permutation of the space's block ids.
func (s *PostgresStore) ReorderBlocks(ctx context.Context, spaceID string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder blocks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for position, id := range orderedIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE blocks SET sort_order=$3 WHERE id=$1 AND space_id=$2
		`, id, spaceID, position); err != nil {
			return fmt.Errorf("reorder block %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder blocks: %w", err)
	}
	return nil
}

func renumberBlocks(ctx context.Context, tx *sql.Tx, spaceID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE blocks b
		SET sort_order = ranked.position
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY sort_order ASC, created_at ASC) - 1 AS position
			FROM blocks
			WHERE space_id=$1
		) ranked
		WHERE b.id = ranked.id AND b.sort_order <> ranked.position
	`, spaceID)
	if err != nil {
		return fmt.Errorf("renumber blocks: %w", err)
	}
	return nil
}
