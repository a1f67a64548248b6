package domain

import "time"

type IdentityKind string

const (
	KindAuthenticated IdentityKind = "authenticated"
	KindAnonymous     IdentityKind = "anonymous"
)

// Identity is the rate-limiting principal: a logged-in user or an
// anonymous caller keyed by a hashed client address.
type Identity struct {
	Kind IdentityKind `json:"kind"`
	Key  string       `json:"key"`
}

// Authenticated reports whether the identity belongs to a logged-in user.
func (i Identity) Authenticated() bool {
	return i.Kind == KindAuthenticated
}

// Post is a persisted caption record. OwnerID is empty for anonymous
// callers; StorageKey is cleared once the underlying blob is removed.
type Post struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId,omitempty"`
	Mood        string    `json:"mood"`
	Description string    `json:"description,omitempty"`
	Captions    []string  `json:"captions"`
	StorageKey  string    `json:"-"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GenerationResult is the outcome of one caption pipeline run.
// Captions holds exactly three entries unless Unsafe is set, in which
// case it is empty.
type GenerationResult struct {
	Captions     []string  `json:"captions"`
	Unsafe       bool      `json:"unsafe"`
	UnsafeReason string    `json:"unsafeReason,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	PostID       string    `json:"postId,omitempty"`
	Stored       bool      `json:"stored"`
	Remaining    int       `json:"remaining"`
	ResetTime    time.Time `json:"resetTime"`
}
