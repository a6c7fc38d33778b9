package repository

import (
	"context"

	"github.com/fathima-sithara/groupsync/internal/models"
)

// Store is the persistence collaborator consumed by the sync engine.
// Implementations wrap I/O failures in errs.TransientFetchError so
// callers can decide whether to retry.
type Store interface {
	// FetchGroupsForUser returns every group the user is a member of.
	FetchGroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
	// FetchMessages returns a group's full log, ascending by creation time.
	FetchMessages(ctx context.Context, groupID string) ([]models.Message, error)
	// InsertMessage performs the durable write; the store assigns the
	// message id and created_at.
	InsertMessage(ctx context.Context, groupID, senderID, content string) (*models.Message, error)
}
