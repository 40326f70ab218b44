package visitors

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies required for visitor identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service hands out stable visitor ids for verified mobile numbers.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the visitor identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("visitors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveVisitorID returns the visitor id for a verified mobile number,
// creating one the first time the number is seen.
func (s *Service) ResolveVisitorID(mobile string) (string, error) {
	normalized, err := NormalizeMobile(mobile)
	if err != nil {
		return "", err
	}

	if cached, ok := s.cache.Load(normalized); ok {
		if visitorID, ok := cached.(string); ok {
			_ = s.db.Model(&Identity{}).
				Where("mobile = ?", normalized).
				Update("last_seen_at", s.now()).
				Error
			return visitorID, nil
		}
	}

	var identity Identity
	err = s.db.Where("mobile = ?", normalized).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Mobile:     normalized,
			VisitorID:  uuid.NewString(),
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		_ = s.db.Model(&Identity{}).
			Where("mobile = ?", normalized).
			Update("last_seen_at", s.now()).
			Error
	}

	s.cache.Store(normalized, identity.VisitorID)
	return identity.VisitorID, nil
}
