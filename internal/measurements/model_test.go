package measurements

import (
	"errors"
	"testing"
)

func TestDeriveCategories(t *testing.T) {
	testCases := []struct {
		name         string
		heightCm     float64
		weightKg     float64
		wantBMI      float64
		wantCategory Category
	}{
		{name: "underweight", heightCm: 180, weightKg: 55, wantBMI: 17.0, wantCategory: CategoryUnderweight},
		{name: "normal", heightCm: 170, weightKg: 65, wantBMI: 22.5, wantCategory: CategoryNormal},
		{name: "overweight", heightCm: 170, weightKg: 80, wantBMI: 27.7, wantCategory: CategoryOverweight},
		{name: "obese", heightCm: 170, weightKg: 95, wantBMI: 32.9, wantCategory: CategoryObese},
		{name: "lower-bound-normal", heightCm: 100, weightKg: 18.5, wantBMI: 18.5, wantCategory: CategoryNormal},
		{name: "lower-bound-obese", heightCm: 100, weightKg: 30, wantBMI: 30.0, wantCategory: CategoryObese},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			metrics, err := Derive(testCase.heightCm, testCase.weightKg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if metrics.BMI != testCase.wantBMI {
				t.Fatalf("unexpected bmi: got %v want %v", metrics.BMI, testCase.wantBMI)
			}
			if metrics.Category != testCase.wantCategory {
				t.Fatalf("unexpected category: got %s want %s", metrics.Category, testCase.wantCategory)
			}
		})
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	first, err := Derive(170, 65)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for attempt := 0; attempt < 100; attempt++ {
		again, err := Derive(170, 65)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again != first {
			t.Fatalf("derive drifted on attempt %d: %+v vs %+v", attempt, again, first)
		}
	}
}

func TestDeriveRejectsOutOfRangeInput(t *testing.T) {
	if _, err := Derive(0, 65); !errors.Is(err, ErrInvalidHeight) {
		t.Fatalf("expected invalid height, got %v", err)
	}
	if _, err := Derive(170, 1000); !errors.Is(err, ErrInvalidWeight) {
		t.Fatalf("expected invalid weight, got %v", err)
	}
}

func TestBeforeSaveOverwritesInconsistentMetrics(t *testing.T) {
	record := Record{HeightCm: 170, WeightKg: 95, BMI: 10, Category: CategoryUnderweight}
	if err := record.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected hook error: %v", err)
	}
	if record.Category != CategoryObese || record.BMI != 32.9 {
		t.Fatalf("expected metrics to be recomputed, got %v / %s", record.BMI, record.Category)
	}
}
