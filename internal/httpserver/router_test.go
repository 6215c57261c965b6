package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"projectescrow/internal/escrow"
	"projectescrow/internal/handler"
	"projectescrow/internal/service"
	"projectescrow/internal/util"
	"projectescrow/pkg/trace"
	pkgutil "projectescrow/pkg/util"
)

const (
	jwtSecret = "router-test-secret"
	admin     = "STADMIN"
	founder   = "STFOUNDER"
	dao       = "STDAO"
	oracle    = "STORACLE"
)

type fakeReplayer struct {
	replayed []int64
}

func (f *fakeReplayer) ReplayEvent(_ context.Context, eventID int64) error {
	f.replayed = append(f.replayed, eventID)
	return nil
}

func (f *fakeReplayer) ReplayFailedEvents(_ context.Context, _ int) (int, error) {
	return 0, nil
}

type testServer struct {
	t        *testing.T
	router   *Router
	replayer *fakeReplayer
}

func newTestServer(t *testing.T, checks ...ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry := escrow.NewRegistry(escrow.DefaultPolicy(admin), logger)
	svc := service.NewEscrowService(
		service.NewMemoryLedger(registry, nil, logger),
		pkgutil.NewDeduper(rdb, time.Hour, logger),
		logger,
	)
	replayer := &fakeReplayer{}
	router := NewRouter(
		handler.NewEscrowHandler(svc, logger),
		handler.NewAdminHandler(replayer, logger),
		admin,
		jwtSecret,
		logger,
		checks...,
	)
	return &testServer{t: t, router: router, replayer: replayer}
}

func (s *testServer) do(method, path, identity string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		token, err := util.GenerateJWT(identity, jwtSecret, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func projectBody(id uint64, milestones uint, funding uint64) map[string]any {
	return map[string]any{
		"id":              id,
		"founder":         founder,
		"dao":             dao,
		"oracle":          oracle,
		"token_contract":  "STTOKEN",
		"milestone_count": milestones,
		"funding":         funding,
	}
}

func TestRouter_EscrowScenario(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(http.MethodPost, "/projects", admin, projectBody(1, 3, 1000))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, body["registered"])

	w, body = s.do(http.MethodPost, "/projects/1/milestones/complete", oracle, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["milestone"])

	w, body = s.do(http.MethodPost, "/projects/1/releases", dao, map[string]any{"amount": 300})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(300), body["released"])

	w, body = s.do(http.MethodPost, "/projects/1/releases", dao, map[string]any{"amount": 701})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, float64(103), body["code"])

	w, body = s.do(http.MethodGet, "/projects/1/complete", founder, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["complete"])

	for i := 0; i < 2; i++ {
		w, _ = s.do(http.MethodPost, "/projects/1/milestones/complete", oracle, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, body = s.do(http.MethodPost, "/projects/1/milestones/complete", oracle, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, float64(105), body["code"])

	w, body = s.do(http.MethodGet, "/projects/1/complete", founder, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["complete"])

	w, body = s.do(http.MethodGet, "/projects/1", founder, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(300), body["released_funding"])
}

func TestRouter_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(http.MethodPost, "/projects", admin, projectBody(1, 2, 100))
	require.Equal(t, http.StatusCreated, w.Code)

	cases := []struct {
		name     string
		method   string
		path     string
		identity string
		body     any
		status   int
		code     float64
	}{
		{"non-admin registers", http.MethodPost, "/projects", founder, projectBody(2, 1, 1), http.StatusForbidden, 100},
		{"too many milestones", http.MethodPost, "/projects", admin, projectBody(2, 21, 1), http.StatusBadRequest, 107},
		{"unknown project", http.MethodPost, "/projects/9/milestones/complete", oracle, nil, http.StatusNotFound, 101},
		{"wrong oracle", http.MethodPost, "/projects/1/milestones/complete", dao, nil, http.StatusForbidden, 100},
		{"wrong dao", http.MethodPost, "/projects/1/releases", oracle, map[string]any{"amount": 1}, http.StatusForbidden, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, body := s.do(tc.method, tc.path, tc.identity, tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, body["code"])
		})
	}

	t.Run("bad input", func(t *testing.T) {
		w, _ := s.do(http.MethodPost, "/projects/abc/releases", dao, map[string]any{"amount": 1})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w, _ = s.do(http.MethodPost, "/projects/1/releases", dao, map[string]any{"amount": -5})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w, _ = s.do(http.MethodPost, "/projects/1/releases", dao, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w, _ = s.do(http.MethodPost, "/projects", admin, map[string]any{"funding": 10})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown project is not complete", func(t *testing.T) {
		w, body := s.do(http.MethodGet, "/projects/9/complete", founder, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, body["complete"])
	})
}

func TestRouter_Authentication(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(http.MethodGet, "/projects/1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(http.MethodGet, "/projects/1", "", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_IdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(http.MethodPost, "/projects", admin, projectBody(1, 1, 100))
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = s.do(http.MethodPost, "/projects/1/releases", dao, map[string]any{"amount": 10}, handler.IdempotencyHeader, "k1")
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(http.MethodPost, "/projects/1/releases", dao, map[string]any{"amount": 10}, handler.IdempotencyHeader, "k1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, service.ErrDuplicateRequest.Error(), body["error"])

	_, body = s.do(http.MethodGet, "/projects/1", founder, nil)
	assert.Equal(t, float64(10), body["released_funding"])
}

func TestRouter_AdminReplay(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(http.MethodPost, "/admin/outbox/7/replay", dao, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := s.do(http.MethodPost, "/admin/outbox/7/replay", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "replayed", body["status"])
	assert.Equal(t, []int64{7}, s.replayer.replayed)
}

func TestRouter_HealthAndTrace(t *testing.T) {
	s := newTestServer(t, ReadinessCheck{Name: "db", Check: func(context.Context) error { return errors.New("down") }})

	w, _ := s.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(trace.HeaderName))

	w, body := s.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "db_not_ready", body["status"])

	w, _ = s.do(http.MethodGet, "/healthz", "", nil, trace.HeaderName, "abc123")
	assert.Equal(t, "abc123", w.Header().Get(trace.HeaderName))

	w, _ = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
