package fortune

import (
	"context"
	"hash/fnv"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
)

// Request describes the measurement a message is generated for.
type Request struct {
	MeasurementID string
	Category      measurements.Category
	BMI           float64
}

// Generator produces a short motivational message. Implementations always
// return some text; failures are absorbed internally.
type Generator interface {
	Generate(ctx context.Context, request Request) string
}

var localMessages = map[measurements.Category][]string{
	measurements.CategoryUnderweight: {
		"Every balanced meal is a step toward a stronger you.",
		"Fuel your body well today and it will carry you far tomorrow.",
		"Strength grows one nourishing choice at a time.",
	},
	measurements.CategoryNormal: {
		"You're in a great place. Keep the good habits rolling!",
		"Balance looks good on you. Stay active and keep smiling.",
		"Healthy today, healthier tomorrow. Keep it up!",
	},
	measurements.CategoryOverweight: {
		"Small daily walks add up to big wins.",
		"Progress, not perfection. One healthy swap at a time.",
		"Your next step is the most important one. Keep moving!",
	},
	measurements.CategoryObese: {
		"Every journey starts with a single step, and you've taken it today.",
		"Be proud of checking in. Small changes make lasting differences.",
		"You are worth the effort. Start small and stay consistent.",
	},
}

const defaultLocalMessage = "Thanks for checking in. Take care of yourself today!"

// LocalGenerator picks a canned message per category. The choice is keyed off
// the measurement id, so a given measurement always gets the same message.
type LocalGenerator struct{}

func NewLocalGenerator() LocalGenerator {
	return LocalGenerator{}
}

func (LocalGenerator) Generate(_ context.Context, request Request) string {
	messages := localMessages[request.Category]
	if len(messages) == 0 {
		return defaultLocalMessage
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(request.MeasurementID))
	return messages[int(hasher.Sum32()%uint32(len(messages)))]
}
