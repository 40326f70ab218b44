package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/database"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/fortune"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/pairing"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/session"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/visitors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testOTPCode = "246810"

type capturingSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *capturingSender) SendCode(_ context.Context, mobile, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = make(map[string]string)
	}
	s.codes[mobile] = code
	return nil
}

type testStack struct {
	server   *httptest.Server
	registry *presence.Registry
	sender   *capturingSender
}

func newTestStack(t *testing.T, kioskDisplays bool) *testStack {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "kiosk.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	measurementService, err := measurements.NewService(measurements.ServiceConfig{
		Database:   db,
		IDProvider: measurements.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct measurement service: %v", err)
	}
	tokens, err := pairing.NewManager(pairing.ManagerConfig{Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct token manager: %v", err)
	}
	registry := presence.NewRegistry(presence.RegistryConfig{Logger: logger})
	orchestrator, err := session.NewOrchestrator(session.Config{
		Measurements:         measurementService,
		Tokens:               tokens,
		Presence:             registry,
		Fortune:              fortune.NewLocalGenerator(),
		DeviceBaseURL:        "https://m.example.com/pair",
		PublicBaseURL:        "https://api.example.com",
		KioskDisplaysResults: kioskDisplays,
		Logger:               logger,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	visitorService, err := visitors.NewService(visitors.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct visitor service: %v", err)
	}
	sender := &capturingSender{}
	otpService := auth.NewOTPService(auth.OTPConfig{
		Sender:        sender,
		BcryptCost:    bcrypt.MinCost,
		CodeGenerator: func() (string, error) { return testOTPCode, nil },
		Logger:        logger,
	})
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "kiosk-auth",
		Audience:      "kiosk-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          orchestrator,
		Presence:          registry,
		OTP:               otpService,
		Visitors:          visitorService,
		TokenManager:      tokenIssuer,
		AllowedOrigins:    []string{"*"},
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testStack{server: server, registry: registry, sender: sender}
}

func (s *testStack) do(t *testing.T, method, path string, body any, bearer string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload := map[string]any{}
	if strings.HasPrefix(response.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode, payload
}

func (s *testStack) login(t *testing.T, mobile string) string {
	t.Helper()
	status, _ := s.do(t, http.MethodPost, "/auth/otp/request", map[string]string{"mobile": mobile}, "")
	if status != http.StatusAccepted {
		t.Fatalf("unexpected otp request status: %d", status)
	}
	status, payload := s.do(t, http.MethodPost, "/auth/otp/verify", map[string]string{"mobile": mobile, "code": testOTPCode}, "")
	if status != http.StatusOK {
		t.Fatalf("unexpected otp verify status: %d", status)
	}
	token, _ := payload["access_token"].(string)
	if token == "" {
		t.Fatalf("expected access token, got %v", payload)
	}
	return token
}

type streamEvent struct {
	name string
	data string
}

func (s *testStack) openStream(t *testing.T, screenID string) <-chan streamEvent {
	t.Helper()
	response, err := http.Get(s.server.URL + "/screens/" + screenID + "/events")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}

	events := make(chan streamEvent, 32)
	go func() {
		defer close(events)
		reader := bufio.NewReader(response.Body)
		currentEvent := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, ": connected"):
				events <- streamEvent{name: "connected"}
			case strings.HasPrefix(line, "event:"):
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				events <- streamEvent{name: currentEvent, data: strings.TrimSpace(strings.TrimPrefix(line, "data:"))}
			}
		}
	}()
	waitForEvent(t, events, "connected")
	return events
}

func waitForEvent(t *testing.T, events <-chan streamEvent, name string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name != name {
				continue
			}
			payload := map[string]any{}
			if event.data != "" {
				if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
					t.Fatalf("failed to decode %s payload: %v", name, err)
				}
			}
			return payload
		}
	}
}

func TestKioskFlowOverHTTP(t *testing.T) {
	stack := newTestStack(t, true)
	events := stack.openStream(t, "screen-1")

	status, capture := stack.do(t, http.MethodPost, "/screens/screen-1/captures", map[string]float64{"height_cm": 170, "weight_kg": 65}, "")
	if status != http.StatusCreated {
		t.Fatalf("unexpected capture status: %d (%v)", status, capture)
	}
	token, _ := capture["token"].(string)
	measurementID, _ := capture["measurement_id"].(string)
	if token == "" || measurementID == "" {
		t.Fatalf("capture response missing identifiers: %v", capture)
	}
	if pairingURL, _ := capture["pairing_url"].(string); !strings.Contains(pairingURL, "token="+token) {
		t.Fatalf("pairing url does not carry the token: %v", capture["pairing_url"])
	}

	qrResponse, err := http.Get(stack.server.URL + "/sessions/" + token + "/qr.png")
	if err != nil {
		t.Fatalf("qr request failed: %v", err)
	}
	qrBody := new(bytes.Buffer)
	_, _ = qrBody.ReadFrom(qrResponse.Body)
	_ = qrResponse.Body.Close()
	if qrResponse.StatusCode != http.StatusOK || qrResponse.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected qr response: %d %s", qrResponse.StatusCode, qrResponse.Header.Get("Content-Type"))
	}
	if !bytes.HasPrefix(qrBody.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("qr body is not a png")
	}

	accessToken := stack.login(t, "+1 (555) 010-2030")

	status, claimed := stack.do(t, http.MethodPost, "/sessions/"+token+"/claim", nil, accessToken)
	if status != http.StatusOK || claimed["state"] != "claimed" {
		t.Fatalf("unexpected claim result: %d %v", status, claimed)
	}
	paired := waitForEvent(t, events, presence.EventPaired)
	if paired["measurementId"] != measurementID {
		t.Fatalf("unexpected paired payload: %v", paired)
	}

	status, paid := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/payment", map[string]bool{"verified": true}, accessToken)
	if status != http.StatusOK || paid["state"] != "payment_done" {
		t.Fatalf("unexpected payment result: %d %v", status, paid)
	}
	waitForEvent(t, events, presence.EventPaymentSuccess)

	status, progressed := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/progress", nil, accessToken)
	if status != http.StatusOK || progressed["state"] != "loading" {
		t.Fatalf("unexpected progress result: %d %v", status, progressed)
	}
	progress := waitForEvent(t, events, presence.EventProgressStart)
	if progress["stage"] != "loading" {
		t.Fatalf("unexpected progress payload: %v", progress)
	}

	status, revealed := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/reveal", nil, accessToken)
	if status != http.StatusOK || revealed["state"] != "revealed" {
		t.Fatalf("unexpected reveal result: %d %v", status, revealed)
	}
	message, _ := revealed["message"].(string)
	if message == "" || revealed["category"] != string(measurements.CategoryNormal) {
		t.Fatalf("unexpected reveal payload: %v", revealed)
	}
	ready := waitForEvent(t, events, presence.EventFortuneReady)
	if ready["message"] != message {
		t.Fatalf("screen and device received different messages: %v vs %q", ready, message)
	}

	status, current := stack.do(t, http.MethodGet, "/sessions/"+token, nil, "")
	if status != http.StatusOK || current["state"] != "revealed" || current["expired"] != false {
		t.Fatalf("unexpected status result: %d %v", status, current)
	}
}

func TestMobileFlowSkipsScreenResults(t *testing.T) {
	stack := newTestStack(t, false)
	events := stack.openStream(t, "screen-2")

	_, capture := stack.do(t, http.MethodPost, "/screens/screen-2/captures", map[string]float64{"height_cm": 160, "weight_kg": 90}, "")
	token, _ := capture["token"].(string)
	measurementID, _ := capture["measurement_id"].(string)

	if status, _ := stack.do(t, http.MethodPost, "/sessions/"+token+"/claim", map[string]string{"device_id": "device-a"}, ""); status != http.StatusOK {
		t.Fatalf("unexpected claim status: %d", status)
	}
	waitForEvent(t, events, presence.EventPaired)

	if status, _ := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/payment", map[string]any{"verified": true, "visitor_id": "visitor-9"}, ""); status != http.StatusOK {
		t.Fatalf("unexpected payment status: %d", status)
	}
	if status, _ := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/progress", map[string]string{"stage": "processing"}, ""); status != http.StatusOK {
		t.Fatalf("unexpected progress status: %d", status)
	}
	progress := waitForEvent(t, events, presence.EventProgressStart)
	if progress["stage"] != "processing" {
		t.Fatalf("unexpected progress payload: %v", progress)
	}
	status, revealed := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/reveal", nil, "")
	if status != http.StatusOK || revealed["message"] == "" {
		t.Fatalf("unexpected reveal result: %d %v", status, revealed)
	}

	select {
	case event := <-events:
		if event.name == presence.EventPaymentSuccess || event.name == presence.EventFortuneReady {
			t.Fatalf("mobile flow leaked %s to the screen", event.name)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionErrorsOverHTTP(t *testing.T) {
	stack := newTestStack(t, true)

	status, body := stack.do(t, http.MethodPost, "/screens/screen-3/captures", map[string]float64{"height_cm": 20, "weight_kg": 65}, "")
	if status != http.StatusBadRequest || body["error"] != string(session.KindValidation) {
		t.Fatalf("expected validation error for impossible height, got %d %v", status, body)
	}

	status, body = stack.do(t, http.MethodPost, "/sessions/unknown/claim", map[string]string{"device_id": "device-a"}, "")
	if status != http.StatusNotFound || body["error"] != string(session.KindNotFound) {
		t.Fatalf("expected not_found for unknown token, got %d %v", status, body)
	}

	_, capture := stack.do(t, http.MethodPost, "/screens/screen-3/captures", map[string]float64{"height_cm": 175, "weight_kg": 70}, "")
	token, _ := capture["token"].(string)
	measurementID, _ := capture["measurement_id"].(string)

	status, body = stack.do(t, http.MethodPost, "/sessions/"+token+"/claim", nil, "")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for claim without identity, got %d %v", status, body)
	}
	if status, _ = stack.do(t, http.MethodPost, "/sessions/"+token+"/claim", map[string]string{"device_id": "device-a"}, ""); status != http.StatusOK {
		t.Fatalf("unexpected first claim status: %d", status)
	}
	status, body = stack.do(t, http.MethodPost, "/sessions/"+token+"/claim", map[string]string{"device_id": "device-b"}, "")
	if status != http.StatusConflict || body["error"] != string(session.KindConflict) {
		t.Fatalf("expected conflict for second device, got %d %v", status, body)
	}

	status, body = stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/reveal", nil, "")
	if status != http.StatusPaymentRequired || body["error"] != string(session.KindPaymentRequired) {
		t.Fatalf("expected payment_required before payment, got %d %v", status, body)
	}
	status, body = stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/payment", map[string]any{"verified": false, "visitor_id": "visitor-1"}, "")
	if status != http.StatusPaymentRequired || body["error"] != string(session.KindPaymentNotVerified) {
		t.Fatalf("expected payment_not_verified, got %d %v", status, body)
	}
	status, body = stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/progress", map[string]string{"stage": "revealed"}, "")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown stage, got %d %v", status, body)
	}
	status, body = stack.do(t, http.MethodGet, "/measurements/missing", nil, "")
	if status != http.StatusNotFound || body["code"] != "measurements.get.not_found" {
		t.Fatalf("expected coded not_found for unknown measurement, got %d %v", status, body)
	}
}

func TestOTPVerifyRejectsWrongCode(t *testing.T) {
	stack := newTestStack(t, true)
	if status, _ := stack.do(t, http.MethodPost, "/auth/otp/request", map[string]string{"mobile": "+15550102030"}, ""); status != http.StatusAccepted {
		t.Fatalf("unexpected otp request status: %d", status)
	}
	status, body := stack.do(t, http.MethodPost, "/auth/otp/verify", map[string]string{"mobile": "+15550102030", "code": "000000"}, "")
	if status != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("expected unauthorized for wrong code, got %d %v", status, body)
	}
	status, body = stack.do(t, http.MethodPost, "/auth/otp/request", map[string]string{"mobile": "12"}, "")
	if status != http.StatusBadRequest || body["error"] != "invalid_mobile" {
		t.Fatalf("expected invalid_mobile, got %d %v", status, body)
	}
}

func TestPresenceStreamLeavesGroupOnDisconnect(t *testing.T) {
	stack := newTestStack(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, stack.server.URL+"/screens/screen-4/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()
	line, err := bufio.NewReader(response.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}
	if members := stack.registry.Members("screen-4"); members != 1 {
		t.Fatalf("expected one member, got %d", members)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for stack.registry.Members("screen-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection did not leave the presence group")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProgressAndRevealRequirePaymentOverHTTP(t *testing.T) {
	stack := newTestStack(t, true)
	_, capture := stack.do(t, http.MethodPost, "/screens/screen-4/captures", map[string]float64{"height_cm": 175, "weight_kg": 70}, "")
	token, _ := capture["token"].(string)
	measurementID, _ := capture["measurement_id"].(string)
	if status, _ := stack.do(t, http.MethodPost, "/sessions/"+token+"/claim", map[string]string{"device_id": "device-a"}, ""); status != http.StatusOK {
		t.Fatalf("unexpected claim status: %d", status)
	}

	status, body := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/progress", nil, "")
	if status != http.StatusPaymentRequired || body["error"] != string(session.KindPaymentRequired) {
		t.Fatalf("expected payment_required for progress before payment, got %d %v", status, body)
	}
	status, body = stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/reveal", nil, "")
	if status != http.StatusPaymentRequired || body["error"] != string(session.KindPaymentRequired) {
		t.Fatalf("expected payment_required for reveal before payment, got %d %v", status, body)
	}

	status, current := stack.do(t, http.MethodGet, "/sessions/"+token, nil, "")
	if status != http.StatusOK || current["state"] != "claimed" {
		t.Fatalf("session moved without payment: %d %v", status, current)
	}
}

func TestPaymentByAnotherVisitorConflictsOverHTTP(t *testing.T) {
	stack := newTestStack(t, true)
	_, capture := stack.do(t, http.MethodPost, "/screens/screen-5/captures", map[string]float64{"height_cm": 175, "weight_kg": 70}, "")
	token, _ := capture["token"].(string)
	measurementID, _ := capture["measurement_id"].(string)

	owner := stack.login(t, "+1 555 010 4000")
	intruder := stack.login(t, "+1 555 010 5000")
	if status, _ := stack.do(t, http.MethodPost, "/sessions/"+token+"/claim", nil, owner); status != http.StatusOK {
		t.Fatalf("unexpected claim status: %d", status)
	}

	status, body := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/payment", map[string]any{"verified": true}, intruder)
	if status != http.StatusConflict || body["error"] != string(session.KindConflict) {
		t.Fatalf("expected conflict for payment by another visitor, got %d %v", status, body)
	}
	status, current := stack.do(t, http.MethodGet, "/sessions/"+token, nil, "")
	if status != http.StatusOK || current["state"] != "claimed" {
		t.Fatalf("conflicting payment moved the session: %d %v", status, current)
	}

	status, paid := stack.do(t, http.MethodPost, "/measurements/"+measurementID+"/payment", map[string]any{"verified": true}, owner)
	if status != http.StatusOK || paid["state"] != "payment_done" {
		t.Fatalf("unexpected payment result for the claimant: %d %v", status, paid)
	}
}
