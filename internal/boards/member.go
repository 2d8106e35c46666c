package boards

import (
	"strings"
	"time"
)

// Member grants a user access to draw on a board.
type Member struct {
	BoardID   string    `gorm:"column:board_id;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing board membership.
func (Member) TableName() string {
	return "board_members"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
