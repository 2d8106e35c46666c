package boards

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidMember indicates an empty board or user identifier.
var ErrInvalidMember = errors.New("boards: invalid member")

// ServiceConfig describes the dependencies required for membership lookups.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service answers and edits board membership.
type Service struct {
	db *gorm.DB
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("boards: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// IsMember reports whether the user may access the board.
// Membership is read on every call so revocations apply to live sessions.
func (s *Service) IsMember(ctx context.Context, boardID, userID string) (bool, error) {
	boardID, userID = normalize(boardID), normalize(userID)
	if boardID == "" || userID == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Member{}).
		Where("board_id = ? AND user_id = ?", boardID, userID).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Grant adds the user to the board. Granting an existing member is a no-op.
func (s *Service) Grant(ctx context.Context, boardID, userID string) error {
	member, err := newMember(boardID, userID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).
		Error
}

// Revoke removes the user from the board.
func (s *Service) Revoke(ctx context.Context, boardID, userID string) error {
	member, err := newMember(boardID, userID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("board_id = ? AND user_id = ?", member.BoardID, member.UserID).
		Delete(&Member{}).
		Error
}

func newMember(boardID, userID string) (Member, error) {
	member := Member{BoardID: normalize(boardID), UserID: normalize(userID)}
	if member.BoardID == "" || member.UserID == "" {
		return Member{}, ErrInvalidMember
	}
	return member, nil
}
