package httpapi

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
)

// Coordinator is the subset of *coord.Manager served over HTTP.
type Coordinator interface {
	Status(ctx context.Context, file string) (coord.Status, error)
	History(ctx context.Context, file string, limit int) ([]core.ModificationRecord, error)
	Recent(ctx context.Context, limit int) ([]core.ModificationRecord, error)
	CleanupStaleLocks(ctx context.Context) ([]core.LockRecord, error)
}

type Service struct {
	coord Coordinator
	log   *log.Logger
}

func NewService(c Coordinator) *Service {
	return &Service{coord: c, log: log.Default()}
}

func (s *Service) WithLogger(l *log.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}
