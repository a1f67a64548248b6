package store

import "snapcaption/pkg/domain"

// Store defines persistence operations for caption posts.
type Store interface {
	SavePost(domain.Post) error
	GetPost(id string) (domain.Post, bool, error)
	ListPostsByOwner(ownerID string, limit int) ([]domain.Post, error)
	DeletePost(id string) error
}
