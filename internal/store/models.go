package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}

type Space struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership is the (user, space) pairing carrying a role and the creator
// flag. The creator keeps delete rights on the space regardless of role.
type Membership struct {
	UserID    string
	SpaceID   string
	Role      string
	IsCreator bool
	JoinedAt  time.Time
	// Joined for member listings
	Username string
}

// Block is an ordered content unit inside a space. SortOrder is a dense
// zero-based sequence per space; structural changes renumber it.
type Block struct {
	ID        string
	SpaceID   string
	Type      string
	Content   string
	SortOrder int
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
