package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/fortune"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/journal"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/pairing"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/presence"
	"go.uber.org/zap"
)

const (
	opCapture  = "session.capture"
	opClaim    = "session.claim"
	opPayment  = "session.payment"
	opProgress = "session.progress"
	opReveal   = "session.reveal"
	opStatus   = "session.status"
	opRecord   = "session.record"

	milestoneCaptured = "captured"
	milestonePaired   = "paired"
	milestonePayment  = "payment_done"
	milestoneProgress = "progress"
	milestoneRevealed = "revealed"
)

var (
	errMissingMeasurements = errors.New("session: measurement store required")
	errMissingTokens       = errors.New("session: token manager required")
	errMissingPresence     = errors.New("session: presence broadcaster required")
	errMissingDeviceURL    = errors.New("session: device base url required")
	errMissingVisitor      = errors.New("session: visitor identity required")
	errInvalidStage        = errors.New("session: stage must be loading, measuring or processing")
)

// MeasurementStore persists measurement records.
type MeasurementStore interface {
	Create(ctx context.Context, capture measurements.Capture) (measurements.Record, error)
	Get(ctx context.Context, measurementID string) (measurements.Record, error)
	LinkVisitor(ctx context.Context, measurementID, visitorID string) (measurements.Record, error)
	SaveMessage(ctx context.Context, measurementID, message string) (measurements.Record, error)
}

// Broadcaster fans events out to a screen's live connections.
type Broadcaster interface {
	Broadcast(screenID string, event presence.Event) int
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Measurements         MeasurementStore
	Tokens               *pairing.Manager
	Presence             Broadcaster
	Fortune              fortune.Generator
	Journal              journal.Recorder
	DeviceBaseURL        string
	PublicBaseURL        string
	KioskDisplaysResults bool
	Clock                func() time.Time
	Logger               *zap.Logger
}

// Orchestrator drives a measurement session from capture to reveal. Token
// state and presence are touched in short independent steps; remote calls
// such as message generation happen between them, never inside them.
type Orchestrator struct {
	measurements  MeasurementStore
	tokens        *pairing.Manager
	presence      Broadcaster
	fortune       fortune.Generator
	journal       journal.Recorder
	deviceBaseURL *url.URL
	publicBaseURL string
	kioskDisplays bool
	clock         func() time.Time
	logger        *zap.Logger
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Measurements == nil {
		return nil, errMissingMeasurements
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if strings.TrimSpace(cfg.DeviceBaseURL) == "" {
		return nil, errMissingDeviceURL
	}
	deviceBaseURL, err := url.Parse(strings.TrimSpace(cfg.DeviceBaseURL))
	if err != nil {
		return nil, fmt.Errorf("session: parse device base url: %w", err)
	}
	generator := cfg.Fortune
	if generator == nil {
		generator = fortune.NewLocalGenerator()
	}
	recorder := cfg.Journal
	if recorder == nil {
		recorder = journal.Nop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		measurements:  cfg.Measurements,
		tokens:        cfg.Tokens,
		presence:      cfg.Presence,
		fortune:       generator,
		journal:       recorder,
		deviceBaseURL: deviceBaseURL,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		kioskDisplays: cfg.KioskDisplaysResults,
		clock:         clock,
		logger:        logger,
	}, nil
}

// CaptureResult is returned to the screen after a sensor reading.
type CaptureResult struct {
	Record     measurements.Record
	Token      pairing.Snapshot
	PairingURL string
}

// Capture stores the measurement, issues a pairing token, and builds the
// device-facing URL. Nothing is broadcast until a device claims the token.
func (o *Orchestrator) Capture(ctx context.Context, capture measurements.Capture) (CaptureResult, error) {
	record, err := o.measurements.Create(ctx, capture)
	if err != nil {
		return CaptureResult{}, o.fail(fromMeasurements(opCapture, err))
	}
	token, err := o.tokens.Issue(record.ScreenID, record.MeasurementID)
	if err != nil {
		return CaptureResult{}, o.fail(fromPairing(opCapture, err))
	}
	o.record(milestoneCaptured, token, "")
	return CaptureResult{
		Record:     record,
		Token:      token,
		PairingURL: o.PairingURL(token.Token),
	}, nil
}

// PairingURL embeds the token and this backend's public address in the device URL.
func (o *Orchestrator) PairingURL(token string) string {
	target := *o.deviceBaseURL
	query := target.Query()
	query.Set("token", token)
	if o.publicBaseURL != "" {
		query.Set("api", o.publicBaseURL)
	}
	target.RawQuery = query.Encode()
	return target.String()
}

// Claim binds the token to the claiming device and tells the screen.
func (o *Orchestrator) Claim(_ context.Context, token, deviceID string) (pairing.Snapshot, error) {
	snapshot, err := o.tokens.Claim(token, deviceID)
	if err != nil {
		return pairing.Snapshot{}, o.fail(fromPairing(opClaim, err))
	}
	o.broadcast(snapshot.ScreenID, presence.PairedEvent{
		Token:         snapshot.Token,
		MeasurementID: snapshot.MeasurementID,
		State:         snapshot.State.String(),
	})
	o.record(milestonePaired, snapshot, snapshot.ClaimedBy)
	return snapshot, nil
}

// PaymentRequest is the payment collaborator's verdict for a measurement.
// Claimant is the identity the caller authenticated as; when set, it or
// DeviceID must be the identity that claimed the token.
type PaymentRequest struct {
	MeasurementID string
	VisitorID     string
	Verified      bool
	Claimant      string
	DeviceID      string
}

// PaymentResult reports the session after a verified payment.
type PaymentResult struct {
	Record measurements.Record
	Token  pairing.Snapshot
}

// CompletePayment advances the session past payment and links the visitor.
// An unverified payment leaves the token exactly where it was.
func (o *Orchestrator) CompletePayment(ctx context.Context, request PaymentRequest) (PaymentResult, error) {
	token, record, err := o.load(ctx, opPayment, request.MeasurementID)
	if err != nil {
		return PaymentResult{}, err
	}
	if !request.Verified {
		return PaymentResult{}, o.fail(newError(opPayment, KindPaymentNotVerified, nil))
	}
	visitorID := strings.TrimSpace(request.VisitorID)
	if visitorID == "" {
		return PaymentResult{}, o.fail(newError(opPayment, KindValidation, errMissingVisitor))
	}
	if !holdsClaim(token, request) {
		return PaymentResult{}, o.fail(newError(opPayment, KindConflict, pairing.ErrConflict))
	}

	advanced, err := o.tokens.Advance(token.Token, pairing.StatePaymentDone)
	if err != nil {
		return PaymentResult{}, o.fail(fromPairing(opPayment, err))
	}
	record, err = o.measurements.LinkVisitor(ctx, record.MeasurementID, visitorID)
	if err != nil {
		return PaymentResult{}, o.fail(fromMeasurements(opPayment, err))
	}

	if o.kioskDisplays {
		record, err = o.ensureMessage(ctx, record)
		if err != nil {
			return PaymentResult{}, o.fail(fromMeasurements(opPayment, err))
		}
		o.broadcast(advanced.ScreenID, presence.PaymentSuccessEvent{
			MeasurementID: record.MeasurementID,
			State:         advanced.State.String(),
		})
	}
	o.record(milestonePayment, advanced, visitorID)
	return PaymentResult{Record: record, Token: advanced}, nil
}

func holdsClaim(token pairing.Snapshot, request PaymentRequest) bool {
	claimant := strings.TrimSpace(request.Claimant)
	if claimant == "" || !token.Claimed() {
		return true
	}
	if token.ClaimedBy == claimant {
		return true
	}
	deviceID := strings.TrimSpace(request.DeviceID)
	return deviceID != "" && token.ClaimedBy == deviceID
}

// ParseStage validates a progress stage, defaulting to loading.
func ParseStage(raw string) (pairing.State, error) {
	if strings.TrimSpace(raw) == "" {
		return pairing.StateLoading, nil
	}
	state, err := pairing.ParseState(raw)
	if err != nil {
		return "", errInvalidStage
	}
	switch state {
	case pairing.StateLoading, pairing.StateMeasuring, pairing.StateProcessing:
		return state, nil
	default:
		return "", errInvalidStage
	}
}

// StartProgress records that the device is rendering its measurement view and
// lets the screen show a loading animation. Progress is only possible once the
// payment milestone was reached.
func (o *Orchestrator) StartProgress(ctx context.Context, measurementID string, stage pairing.State) (pairing.Snapshot, error) {
	switch stage {
	case pairing.StateLoading, pairing.StateMeasuring, pairing.StateProcessing:
	default:
		return pairing.Snapshot{}, o.fail(newError(opProgress, KindValidation, errInvalidStage))
	}
	token, _, err := o.load(ctx, opProgress, measurementID)
	if err != nil {
		return pairing.Snapshot{}, err
	}
	if !token.State.AtLeast(pairing.StatePaymentDone) {
		return pairing.Snapshot{}, o.fail(newError(opProgress, KindPaymentRequired, nil))
	}
	advanced, err := o.tokens.Advance(token.Token, stage)
	if err != nil {
		return pairing.Snapshot{}, o.fail(fromPairing(opProgress, err))
	}
	o.broadcast(advanced.ScreenID, presence.ProgressStartEvent{
		MeasurementID: advanced.MeasurementID,
		Stage:         stage.String(),
	})
	o.record(milestoneProgress, advanced, "")
	return advanced, nil
}

// RevealResult is the final payload for the device.
type RevealResult struct {
	Record measurements.Record
	Token  pairing.Snapshot
}

// Reveal generates or reuses the message, finishes the flow, and, for the
// kiosk variant, shows the result on the screen.
func (o *Orchestrator) Reveal(ctx context.Context, measurementID string) (RevealResult, error) {
	token, record, err := o.load(ctx, opReveal, measurementID)
	if err != nil {
		return RevealResult{}, err
	}
	if !paid(token, record) {
		return RevealResult{}, o.fail(newError(opReveal, KindPaymentRequired, nil))
	}

	record, err = o.ensureMessage(ctx, record)
	if err != nil {
		return RevealResult{}, o.fail(fromMeasurements(opReveal, err))
	}
	advanced, err := o.tokens.Advance(token.Token, pairing.StateRevealed)
	if err != nil {
		return RevealResult{}, o.fail(fromPairing(opReveal, err))
	}
	if o.kioskDisplays {
		o.broadcast(advanced.ScreenID, presence.FortuneReadyEvent{
			MeasurementID: record.MeasurementID,
			BMI:           record.BMI,
			Category:      string(record.Category),
			Message:       record.Message,
		})
	}
	o.record(milestoneRevealed, advanced, record.VisitorID)
	return RevealResult{Record: record, Token: advanced}, nil
}

// paid reports whether a verified payment went through: the token reached the
// payment milestone and the record carries the paying visitor.
func paid(token pairing.Snapshot, record measurements.Record) bool {
	return token.State.AtLeast(pairing.StatePaymentDone) && strings.TrimSpace(record.VisitorID) != ""
}

// Status describes a token for polling devices and screens.
type Status struct {
	Token         pairing.Snapshot
	Expired       bool
	UnusedTimeout bool
}

// Status reads a token without mutating it; lapsed deadlines are reported as flags.
func (o *Orchestrator) Status(token string) (Status, error) {
	snapshot, ok := o.tokens.Get(strings.TrimSpace(token))
	if !ok {
		return Status{}, newError(opStatus, KindNotFound, pairing.ErrNotFound)
	}
	now := o.clock()
	return Status{
		Token:         snapshot,
		Expired:       snapshot.ExpiredAt(now),
		UnusedTimeout: snapshot.UnusedTimedOutAt(now),
	}, nil
}

// Record loads a measurement record for device rendering.
func (o *Orchestrator) Record(ctx context.Context, measurementID string) (measurements.Record, error) {
	record, err := o.measurements.Get(ctx, measurementID)
	if err != nil {
		return measurements.Record{}, o.fail(fromMeasurements(opRecord, err))
	}
	return record, nil
}

func (o *Orchestrator) load(ctx context.Context, operation, measurementID string) (pairing.Snapshot, measurements.Record, error) {
	id := strings.TrimSpace(measurementID)
	if id == "" {
		return pairing.Snapshot{}, measurements.Record{}, o.fail(newError(operation, KindValidation, pairing.ErrInvalidMeasurementID))
	}
	record, err := o.measurements.Get(ctx, id)
	if err != nil {
		return pairing.Snapshot{}, measurements.Record{}, o.fail(fromMeasurements(operation, err))
	}
	token, ok := o.tokens.LookupMeasurement(id)
	if !ok {
		return pairing.Snapshot{}, measurements.Record{}, o.fail(newError(operation, KindNotFound, pairing.ErrNotFound))
	}
	if cause := token.EvictionCause(o.clock()); cause != nil {
		o.tokens.Remove(token.Token)
		return pairing.Snapshot{}, measurements.Record{}, o.fail(fromPairing(operation, cause))
	}
	return token, record, nil
}

func (o *Orchestrator) ensureMessage(ctx context.Context, record measurements.Record) (measurements.Record, error) {
	if record.HasMessage() {
		return record, nil
	}
	message := o.fortune.Generate(ctx, fortune.Request{
		MeasurementID: record.MeasurementID,
		Category:      record.Category,
		BMI:           record.BMI,
	})
	return o.measurements.SaveMessage(ctx, record.MeasurementID, message)
}

func (o *Orchestrator) broadcast(screenID string, event presence.Event) {
	delivered := o.presence.Broadcast(screenID, event)
	o.logger.Debug("milestone broadcast",
		zap.String("screen_id", screenID),
		zap.String("event", event.Name()),
		zap.Int("delivered", delivered))
}

func (o *Orchestrator) record(name string, token pairing.Snapshot, visitorID string) {
	o.journal.Record(journal.Milestone{
		Name:          name,
		ScreenID:      token.ScreenID,
		MeasurementID: token.MeasurementID,
		Token:         token.Token,
		State:         token.State.String(),
		VisitorID:     visitorID,
		OccurredAt:    o.clock().UTC(),
	})
}

func (o *Orchestrator) fail(err *Error) error {
	switch err.Kind {
	case KindInternal:
		o.logger.Error("session operation failed",
			zap.String("operation", err.Operation),
			zap.String("kind", string(err.Kind)),
			zap.Error(err.Err))
	default:
		o.logger.Info("session operation rejected",
			zap.String("operation", err.Operation),
			zap.String("kind", string(err.Kind)),
			zap.Error(err.Err))
	}
	return err
}
