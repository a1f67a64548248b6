package store

import (
	"time"

	"gorm.io/datatypes"
)

// PostModel is the GORM row backing a caption post. Captions are stored
// as a JSON array; OwnerID is empty for anonymous posts.
type PostModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"index"`
	Mood        string `gorm:"not null"`
	Description string
	Captions    datatypes.JSON `gorm:"type:jsonb;not null"`
	StorageKey  string
	ImageURL    string
	CreatedAt   time.Time `gorm:"not null;index"`
}
