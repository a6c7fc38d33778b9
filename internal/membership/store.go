// Package membership maintains the set of groups the current user
// belongs to. Change-feed events trigger a full reload rather than
// incremental patching: membership churn is rare and group counts are
// small.
package membership

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/models"
	"github.com/fathima-sithara/groupsync/internal/repository"
)

type Store struct {
	repo   repository.Store
	userID string
	log    *zap.SugaredLogger

	mu     sync.RWMutex
	groups []models.Group
}

func New(repo repository.Store, userID string, log *zap.SugaredLogger) *Store {
	return &Store{repo: repo, userID: userID, log: log}
}

// Load fetches the user's groups and replaces the cached set. Returns
// errs.ErrAuthRequired when no user is bound, or a TransientFetchError
// from the repository (the cached set is left untouched on failure).
func (s *Store) Load(ctx context.Context) ([]models.Group, error) {
	if s.userID == "" {
		return nil, errs.ErrAuthRequired
	}
	groups, err := s.repo.FetchGroupsForUser(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()
	return s.Groups(), nil
}

// Groups returns a snapshot of the cached set.
func (s *Store) Groups() []models.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Group, len(s.groups))
	copy(out, s.groups)
	return out
}

func (s *Store) Contains(groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.ID == groupID {
			return true
		}
	}
	return false
}

// First returns the id of the first cached group, or "".
func (s *Store) First() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.groups) == 0 {
		return ""
	}
	return s.groups[0].ID
}
