package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestIdentifyVisitorLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sessions/token-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubVisitorTokenManager{validateErr: auth.ErrExpiredVisitorToken},
		logger: zap.New(core),
	}

	handler.identifyVisitor(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredVisitorToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestIdentifyVisitorLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sessions/token-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubVisitorTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.identifyVisitor(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestIdentifyVisitorAllowsAnonymousRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/sessions/token-1", http.NoBody)

	handler := &httpHandler{
		tokens: stubVisitorTokenManager{validateErr: errors.New("must not be called")},
		logger: zap.NewNop(),
	}
	handler.identifyVisitor(ctx)

	if ctx.IsAborted() {
		t.Fatalf("anonymous request should not be aborted")
	}
	if ctx.GetString(visitorIDContextKey) != "" {
		t.Fatalf("anonymous request should carry no visitor id")
	}
}

func TestIdentifyVisitorAttachesVisitorID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sessions/token-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer good-token")
	ctx.Request = request

	handler := &httpHandler{
		tokens: stubVisitorTokenManager{visitorID: "visitor-42"},
		logger: zap.NewNop(),
	}
	handler.identifyVisitor(ctx)

	if ctx.IsAborted() {
		t.Fatalf("valid token should not abort")
	}
	if got := ctx.GetString(visitorIDContextKey); got != "visitor-42" {
		t.Fatalf("expected visitor-42 in context, got %q", got)
	}
}

func TestIdentifyVisitorRejectsNonBearerScheme(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sessions/token-1", http.NoBody)
	request.Header.Set("Authorization", "Basic abc")
	ctx.Request = request

	handler := &httpHandler{tokens: stubVisitorTokenManager{}, logger: zap.NewNop()}
	handler.identifyVisitor(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", recorder.Code)
	}
}

type stubVisitorTokenManager struct {
	visitorID   string
	validateErr error
}

func (s stubVisitorTokenManager) IssueVisitorToken(context.Context, string) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubVisitorTokenManager) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.visitorID, nil
}
