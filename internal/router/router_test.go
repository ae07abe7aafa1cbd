package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-assessment/internal/clock"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/grading"
	"github.com/stemsi/exstem-assessment/internal/handler"
	"github.com/stemsi/exstem-assessment/internal/integrity"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/repository"
	"github.com/stemsi/exstem-assessment/internal/scheduler"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/session"
	"github.com/stemsi/exstem-assessment/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

type testServer struct {
	engine *gin.Engine
	auth   *service.AuthService
	sched  *scheduler.Scheduler
	clock  *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "router-secret", JWTExpiry: time.Hour}

	assessments := repository.NewMemoryAssessmentStore()
	require.NoError(t, assessments.Import(context.Background(), &model.AssessmentDefinition{
		ID:              "algebra-1",
		Title:           "Algebra",
		DurationSeconds: 600,
		Questions: []model.QuestionSpec{
			{ID: "q1", Type: model.QuestionTypeSingleChoice, Options: []string{"a", "b"}, CorrectAnswers: []string{"a"}, Points: 1},
		},
	}))
	store := repository.NewMemorySessionStore()
	defs := service.NewDefinitionCache(assessments, nil, time.Minute, log)
	registry := grading.NewRegistry()
	clk := clock.NewFake(time.Now())

	sched := scheduler.New(scheduler.Config{}, session.Deps{
		Clock:   clk,
		Grader:  registry,
		Monitor: integrity.NewMonitor(100, log),
	}, store, store, nil, defs, log)

	svc := service.NewAssessmentService(sched, defs, registry, log)
	limiter := middleware.NewRateLimiter(2, time.Minute)
	auth := service.NewAuthService(cfg)

	handlers := &Handlers{
		Session: handler.NewSessionHandler(svc),
		Proctor: handler.NewProctorHandler(svc),
		Stream:  handler.NewStreamHandler(svc, limiter, log, nil, 20*time.Millisecond),
		Monitor: handler.NewMonitorHandler(nil, defs, service.NewMonitorService(store, sched, clk), log),
		System:  handler.NewSystemHandler(nil, nil, sched, log),
	}
	engine := SetupRouter(handlers, Deps{Auth: auth, Sessions: svc, IntegrityLimiter: limiter, Log: log}, cfg)
	return &testServer{engine: engine, auth: auth, sched: sched, clock: clk}
}

func (s *testServer) do(t *testing.T, method, path string, body any, tokenType service.TokenType, subject string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		tok, err := s.auth.GenerateToken(tokenType, subject, "", 0)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

// createSession starts an attempt on algebra-1 and returns its id.
func (s *testServer) createSession(t *testing.T, examinee string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/assessments/algebra-1/sessions", nil, service.TokenTypeExaminee, examinee)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Data struct {
			Session model.SessionView `json:"session"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	return created.Data.Session.ID.String()
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	w := srv.do(t, http.MethodGet, "/health", nil, "", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSessionRoutes(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/v1/assessments/algebra-1/sessions", nil, service.TokenTypeExaminee, "alice")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var created struct {
		Data struct {
			Session model.SessionView `json:"session"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	base := "/api/v1/sessions/" + created.Data.Session.ID.String()

	w = srv.do(t, http.MethodPost, base+"/answers", model.RecordAnswerRequest{QuestionID: "q1", SelectedOptionIDs: []string{"a"}}, service.TokenTypeExaminee, "alice")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Ownership is checked before the handler runs.
	w = srv.do(t, http.MethodGet, base+"/status", nil, service.TokenTypeExaminee, "mallory")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The limiter stores two integrity reports per minute per session; the
	// rest are answered 429 but still counted.
	report := model.RecordIntegrityEventRequest{Kind: model.IntegrityFocusLost}
	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		w = srv.do(t, http.MethodPost, base+"/integrity-events", report, service.TokenTypeExaminee, "alice")
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{202, 202, 429, 429, 429}, codes)

	w = srv.do(t, http.MethodGet, "/api/v1/proctor/sessions/"+created.Data.Session.ID.String(), nil, service.TokenTypeProctor, "pat")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var review struct {
		Data struct {
			Review model.SessionReview `json:"review"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &review))
	integrity := review.Data.Review.Integrity
	assert.Equal(t, 5, integrity.Total)
	assert.Equal(t, 2, integrity.Stored)
	assert.Equal(t, 3, integrity.DroppedCount)
	assert.Equal(t, 5, integrity.Counts[model.IntegrityFocusLost])

	w = srv.do(t, http.MethodPost, base+"/submit", nil, service.TokenTypeExaminee, "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, http.MethodGet, base+"/result", nil, service.TokenTypeExaminee, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"percentage":100`)
}

func TestProctorRoutes(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/v1/assessments/algebra-1/sessions", nil, service.TokenTypeExaminee, "bob")
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Data struct {
			Session model.SessionView `json:"session"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	base := "/api/v1/proctor/sessions/" + created.Data.Session.ID.String()

	w = srv.do(t, http.MethodGet, base, nil, service.TokenTypeExaminee, "bob")
	assert.Equal(t, http.StatusForbidden, w.Code, "examinee tokens must not reach proctor routes")

	w = srv.do(t, http.MethodPost, base+"/flag", map[string]string{"reason": "second screen"}, service.TokenTypeProctor, "pat")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, http.MethodPost, base+"/abandon", map[string]string{"reason": "power outage"}, service.TokenTypeProctor, "pat")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, http.MethodGet, base, nil, service.TokenTypeProctor, "pat")
	require.Equal(t, http.StatusOK, w.Code)
	var review struct {
		Data struct {
			Review model.SessionReview `json:"review"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &review))
	assert.Equal(t, model.SessionStatusAbandoned, review.Data.Review.Session.Status)
	assert.True(t, review.Data.Review.NeedsReview)

	w = srv.do(t, http.MethodGet, "/api/v1/proctor/sessions/not-a-uuid", nil, service.TokenTypeProctor, "pat")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
