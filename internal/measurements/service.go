package measurements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRecordNotFound indicates that no measurement exists for the identifier.
	ErrRecordNotFound = errors.New("measurements: record not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingID         = errors.New("measurement identifier is required")
	errMissingVisitorID  = errors.New("visitor identifier is required")
	noOpLogger           = zap.NewNop()
)

// ErrVisitorMismatch indicates an attempt to relink a record to a different visitor.
var ErrVisitorMismatch = errors.New("measurements: record already linked to another visitor")

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "measurements.service.new"
	opCreate       = "measurements.create"
	opGet          = "measurements.get"
	opLinkVisitor  = "measurements.link_visitor"
	opSaveMessage  = "measurements.save_message"
	queryRecordID  = "measurement_id = ?"
	reasonNotFound = "not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists measurement records captured by kiosk screens.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create validates a capture, derives its metrics, and stores a new record.
func (s *Service) Create(ctx context.Context, capture Capture) (Record, error) {
	if s.db == nil {
		s.logError(opCreate, "missing_database", errMissingDatabase)
		return Record{}, newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	normalized, err := capture.normalized()
	if err != nil {
		return Record{}, newServiceError(opCreate, "invalid_capture", err)
	}

	measurementID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Record{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	record := Record{
		MeasurementID: measurementID,
		ScreenID:      normalized.ScreenID,
		HeightCm:      normalized.HeightCm,
		WeightKg:      normalized.WeightKg,
		CapturedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("screen_id", record.ScreenID))
		return Record{}, newServiceError(opCreate, "insert_failed", err)
	}
	return record, nil
}

// Get loads a record by identifier.
func (s *Service) Get(ctx context.Context, measurementID string) (Record, error) {
	if s.db == nil {
		s.logError(opGet, "missing_database", errMissingDatabase)
		return Record{}, newServiceError(opGet, "missing_database", errMissingDatabase)
	}
	id := strings.TrimSpace(measurementID)
	if id == "" {
		return Record{}, newServiceError(opGet, "missing_id", errMissingID)
	}

	var record Record
	err := s.db.WithContext(ctx).Where(queryRecordID, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opGet, reasonNotFound, ErrRecordNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("measurement_id", id))
		return Record{}, newServiceError(opGet, "query_failed", err)
	}
	return record, nil
}

// LinkVisitor attaches the verified visitor to a record. Relinking the same
// visitor is a no-op; a different visitor is refused.
func (s *Service) LinkVisitor(ctx context.Context, measurementID, visitorID string) (Record, error) {
	visitor := strings.TrimSpace(visitorID)
	if visitor == "" {
		return Record{}, newServiceError(opLinkVisitor, "missing_visitor_id", errMissingVisitorID)
	}
	return s.mutate(ctx, opLinkVisitor, measurementID, func(record *Record) (bool, error) {
		switch record.VisitorID {
		case visitor:
			return false, nil
		case "":
			record.VisitorID = visitor
			return true, nil
		default:
			return false, newServiceError(opLinkVisitor, "visitor_mismatch", ErrVisitorMismatch)
		}
	})
}

// SaveMessage stores the motivational message unless one already exists, and
// returns the record carrying whichever message won.
func (s *Service) SaveMessage(ctx context.Context, measurementID, message string) (Record, error) {
	text := strings.TrimSpace(message)
	return s.mutate(ctx, opSaveMessage, measurementID, func(record *Record) (bool, error) {
		if record.HasMessage() || text == "" {
			return false, nil
		}
		record.Message = text
		return true, nil
	})
}

func (s *Service) mutate(ctx context.Context, operation, measurementID string, apply func(*Record) (bool, error)) (Record, error) {
	if s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return Record{}, newServiceError(operation, "missing_database", errMissingDatabase)
	}
	id := strings.TrimSpace(measurementID)
	if id == "" {
		return Record{}, newServiceError(operation, "missing_id", errMissingID)
	}

	var record Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryRecordID, id).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, reasonNotFound, ErrRecordNotFound)
		}
		if err != nil {
			s.logError(operation, "select_failed", err, zap.String("measurement_id", id))
			return newServiceError(operation, "select_failed", err)
		}
		changed, err := apply(&record)
		if err != nil || !changed {
			return err
		}
		if err := tx.Save(&record).Error; err != nil {
			s.logError(operation, "save_failed", err, zap.String("measurement_id", id))
			return newServiceError(operation, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return record, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("measurements service error", attrs...)
}
