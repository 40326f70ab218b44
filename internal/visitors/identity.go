package visitors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	minMobileDigits = 8
	maxMobileDigits = 15
)

// ErrInvalidMobile indicates the mobile number cannot identify a visitor.
var ErrInvalidMobile = errors.New("visitors: invalid mobile number")

// Identity maps a verified mobile number to a stable visitor id.
type Identity struct {
	Mobile     string    `gorm:"column:mobile;primaryKey;size:32;not null"`
	VisitorID  string    `gorm:"column:visitor_id;size:64;not null;uniqueIndex"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing visitor identities.
func (Identity) TableName() string {
	return "visitor_identities"
}

// NormalizeMobile strips formatting and returns an E.164-like "+digits" form.
func NormalizeMobile(raw string) (string, error) {
	var digits strings.Builder
	for index, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && index == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidMobile, r)
		}
	}
	count := digits.Len()
	if count < minMobileDigits || count > maxMobileDigits {
		return "", fmt.Errorf("%w: expected %d-%d digits, got %d", ErrInvalidMobile, minMobileDigits, maxMobileDigits, count)
	}
	return "+" + digits.String(), nil
}
