package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/visitors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	otpDigits             = 6
	defaultOTPTTL         = 5 * time.Minute
	defaultOTPMaxAttempts = 5
	defaultResendInterval = 30 * time.Second
)

var (
	// ErrNoChallenge indicates no code was requested for the number, or it was burned.
	ErrNoChallenge = errors.New("auth: no otp challenge for mobile")
	// ErrCodeExpired indicates the code outlived its TTL.
	ErrCodeExpired = errors.New("auth: otp code expired")
	// ErrInvalidCode indicates a wrong code.
	ErrInvalidCode = errors.New("auth: otp code invalid")
	// ErrTooManyAttempts indicates the code was burned after repeated failures.
	ErrTooManyAttempts = errors.New("auth: otp attempts exhausted")
	// ErrResendTooSoon indicates a new code was requested inside the resend window.
	ErrResendTooSoon = errors.New("auth: otp requested too soon")
	// ErrDeliveryFailed indicates the sender could not deliver the code.
	ErrDeliveryFailed = errors.New("auth: otp delivery failed")
)

// Sender delivers one-time codes to a mobile number.
type Sender interface {
	SendCode(ctx context.Context, mobile, code string) error
}

// LogSender writes codes to the log instead of sending them. It stands in for
// the SMS provider in development deployments.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) SendCode(_ context.Context, mobile, code string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("otp code issued", zap.String("mobile", maskMobile(mobile)), zap.String("code", code))
	return nil
}

// OTPConfig configures OTP issuance and verification.
type OTPConfig struct {
	TTL            time.Duration
	MaxAttempts    int
	ResendInterval time.Duration
	BcryptCost     int
	Sender         Sender
	Clock          func() time.Time
	CodeGenerator  func() (string, error)
	Logger         *zap.Logger
}

// OTPService issues one-time codes and verifies them. Codes are kept only as
// bcrypt hashes.
type OTPService struct {
	mu          sync.Mutex
	challenges  map[string]*otpChallenge
	ttl         time.Duration
	maxAttempts int
	resend      time.Duration
	cost        int
	sender      Sender
	clock       func() time.Time
	generate    func() (string, error)
	logger      *zap.Logger
}

type otpChallenge struct {
	hash      []byte
	issuedAt  time.Time
	expiresAt time.Time
	attempts  int
}

func NewOTPService(cfg OTPConfig) *OTPService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultOTPTTL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultOTPMaxAttempts
	}
	resend := cfg.ResendInterval
	if resend < 0 {
		resend = 0
	} else if resend == 0 {
		resend = defaultResendInterval
	}
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sender := cfg.Sender
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generate := cfg.CodeGenerator
	if generate == nil {
		generate = randomCode
	}
	return &OTPService{
		challenges:  make(map[string]*otpChallenge),
		ttl:         ttl,
		maxAttempts: maxAttempts,
		resend:      resend,
		cost:        cost,
		sender:      sender,
		clock:       clock,
		generate:    generate,
		logger:      logger,
	}
}

// RequestCode issues a fresh code for the number and hands it to the sender.
// It returns the normalized number and the code's expiry.
func (s *OTPService) RequestCode(ctx context.Context, mobile string) (string, time.Time, error) {
	normalized, err := visitors.NormalizeMobile(mobile)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.clock()

	s.mu.Lock()
	s.pruneLocked(now)
	if existing, ok := s.challenges[normalized]; ok && now.Sub(existing.issuedAt) < s.resend {
		s.mu.Unlock()
		return "", time.Time{}, ErrResendTooSoon
	}
	s.mu.Unlock()

	code, err := s.generate()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: generate otp: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: hash otp: %w", err)
	}
	challenge := &otpChallenge{hash: hash, issuedAt: now, expiresAt: now.Add(s.ttl)}

	s.mu.Lock()
	s.challenges[normalized] = challenge
	s.mu.Unlock()

	if err := s.sender.SendCode(ctx, normalized, code); err != nil {
		s.mu.Lock()
		if s.challenges[normalized] == challenge {
			delete(s.challenges, normalized)
		}
		s.mu.Unlock()
		s.logger.Warn("otp delivery failed", zap.String("mobile", maskMobile(normalized)), zap.Error(err))
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return normalized, challenge.expiresAt, nil
}

// VerifyCode checks a code and, on success, burns the challenge and returns
// the normalized number.
func (s *OTPService) VerifyCode(mobile, code string) (string, error) {
	normalized, err := visitors.NormalizeMobile(mobile)
	if err != nil {
		return "", err
	}
	now := s.clock()

	s.mu.Lock()
	challenge, ok := s.challenges[normalized]
	if !ok {
		s.mu.Unlock()
		return "", ErrNoChallenge
	}
	if now.After(challenge.expiresAt) {
		delete(s.challenges, normalized)
		s.mu.Unlock()
		return "", ErrCodeExpired
	}
	challenge.attempts++
	attempts := challenge.attempts
	hash := challenge.hash
	s.mu.Unlock()

	compareErr := bcrypt.CompareHashAndPassword(hash, []byte(code))

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.challenges[normalized]
	if !ok || current != challenge {
		return "", ErrNoChallenge
	}
	if compareErr == nil && attempts <= s.maxAttempts {
		delete(s.challenges, normalized)
		return normalized, nil
	}
	if attempts >= s.maxAttempts {
		delete(s.challenges, normalized)
		return "", ErrTooManyAttempts
	}
	return "", ErrInvalidCode
}

func (s *OTPService) pruneLocked(now time.Time) {
	for mobile, challenge := range s.challenges {
		if now.After(challenge.expiresAt) {
			delete(s.challenges, mobile)
		}
	}
}

func randomCode() (string, error) {
	limit := big.NewInt(1)
	for range otpDigits {
		limit.Mul(limit, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, value.Int64()), nil
}

func maskMobile(mobile string) string {
	if len(mobile) <= 4 {
		return "****"
	}
	return "****" + mobile[len(mobile)-4:]
}
