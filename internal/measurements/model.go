package measurements

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Category enumerates the body-mass index bands shown to visitors.
type Category string

const (
	CategoryUnderweight Category = "Underweight"
	CategoryNormal      Category = "Normal"
	CategoryOverweight  Category = "Overweight"
	CategoryObese       Category = "Obese"
)

const (
	minHeightCm          = 50.0
	maxHeightCm          = 250.0
	minWeightKg          = 2.0
	maxWeightKg          = 350.0
	maxScreenIDLength    = 190
	underweightThreshold = 18.5
	overweightThreshold  = 25.0
	obeseThreshold       = 30.0
)

var (
	// ErrInvalidHeight indicates a height outside the sensor's physical range.
	ErrInvalidHeight = errors.New("measurements: invalid height")
	// ErrInvalidWeight indicates a weight outside the sensor's physical range.
	ErrInvalidWeight = errors.New("measurements: invalid weight")
	// ErrInvalidScreenID indicates that a screen identity is empty or exceeds storage bounds.
	ErrInvalidScreenID = errors.New("measurements: invalid screen id")
)

// Metrics holds the values derived from a height/weight pair.
type Metrics struct {
	BMI      float64
	Category Category
}

// Derive computes the body-mass index (one decimal) and its category.
func Derive(heightCm, weightKg float64) (Metrics, error) {
	if math.IsNaN(heightCm) || heightCm < minHeightCm || heightCm > maxHeightCm {
		return Metrics{}, fmt.Errorf("%w: %v cm", ErrInvalidHeight, heightCm)
	}
	if math.IsNaN(weightKg) || weightKg < minWeightKg || weightKg > maxWeightKg {
		return Metrics{}, fmt.Errorf("%w: %v kg", ErrInvalidWeight, weightKg)
	}
	meters := heightCm / 100
	bmi := math.Round(weightKg/(meters*meters)*10) / 10
	return Metrics{BMI: bmi, Category: categorize(bmi)}, nil
}

func categorize(bmi float64) Category {
	switch {
	case bmi < underweightThreshold:
		return CategoryUnderweight
	case bmi < overweightThreshold:
		return CategoryNormal
	case bmi < obeseThreshold:
		return CategoryOverweight
	default:
		return CategoryObese
	}
}

// Capture is the raw input posted by a screen after a sensor reading.
type Capture struct {
	ScreenID string
	HeightCm float64
	WeightKg float64
}

func (c Capture) normalized() (Capture, error) {
	screenID := strings.TrimSpace(c.ScreenID)
	if screenID == "" {
		return Capture{}, fmt.Errorf("%w: empty", ErrInvalidScreenID)
	}
	if len(screenID) > maxScreenIDLength {
		return Capture{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidScreenID, maxScreenIDLength)
	}
	if _, err := Derive(c.HeightCm, c.WeightKg); err != nil {
		return Capture{}, err
	}
	return Capture{ScreenID: screenID, HeightCm: c.HeightCm, WeightKg: c.WeightKg}, nil
}

// Record is a single captured measurement and what the visitor flow attached to it.
type Record struct {
	MeasurementID string    `gorm:"column:measurement_id;primaryKey;size:64;not null"`
	ScreenID      string    `gorm:"column:screen_id;size:190;not null;index:idx_measurements_screen_time,priority:1"`
	HeightCm      float64   `gorm:"column:height_cm;not null"`
	WeightKg      float64   `gorm:"column:weight_kg;not null"`
	BMI           float64   `gorm:"column:bmi;not null"`
	Category      Category  `gorm:"column:category;size:32;not null"`
	CapturedAt    time.Time `gorm:"column:captured_at;not null;index:idx_measurements_screen_time,priority:2"`
	VisitorID     string    `gorm:"column:visitor_id;size:190;not null;default:'';index"`
	Message       string    `gorm:"column:message;type:text;not null;default:''"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "measurements"
}

// BeforeSave recomputes BMI and category so they can never drift from height and weight.
func (r *Record) BeforeSave(_ *gorm.DB) error {
	metrics, err := Derive(r.HeightCm, r.WeightKg)
	if err != nil {
		return err
	}
	r.BMI = metrics.BMI
	r.Category = metrics.Category
	return nil
}

// HasMessage reports whether a motivational message was already generated.
func (r Record) HasMessage() bool {
	return strings.TrimSpace(r.Message) != ""
}
