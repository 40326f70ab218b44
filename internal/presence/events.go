package presence

// Event is a typed screen-facing milestone notification. The unexported
// method keeps the set of events closed to this package.
type Event interface {
	Name() string
	isPresenceEvent()
}

const (
	EventPaired         = "paired"
	EventPaymentSuccess = "payment-success"
	EventProgressStart  = "progress-start"
	EventFortuneReady   = "fortune-ready"
)

// PairedEvent tells the screen a device claimed its pairing token.
type PairedEvent struct {
	Token         string `json:"token"`
	MeasurementID string `json:"measurementId"`
	State         string `json:"state"`
}

func (PairedEvent) Name() string     { return EventPaired }
func (PairedEvent) isPresenceEvent() {}

// PaymentSuccessEvent tells the screen the visitor paid.
type PaymentSuccessEvent struct {
	MeasurementID string `json:"measurementId"`
	State         string `json:"state"`
}

func (PaymentSuccessEvent) Name() string     { return EventPaymentSuccess }
func (PaymentSuccessEvent) isPresenceEvent() {}

// ProgressStartEvent lets the screen show a loading animation for the given stage.
type ProgressStartEvent struct {
	MeasurementID string `json:"measurementId"`
	Stage         string `json:"stage"`
}

func (ProgressStartEvent) Name() string     { return EventProgressStart }
func (ProgressStartEvent) isPresenceEvent() {}

// FortuneReadyEvent carries the final result shown on the screen.
type FortuneReadyEvent struct {
	MeasurementID string  `json:"measurementId"`
	BMI           float64 `json:"bmi"`
	Category      string  `json:"category"`
	Message       string  `json:"message"`
}

func (FortuneReadyEvent) Name() string     { return EventFortuneReady }
func (FortuneReadyEvent) isPresenceEvent() {}
