package handler_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/application/bot"
	"github.com/gridworks/dispatch/internal/application/job"
	"github.com/gridworks/dispatch/internal/application/recovery"
	"github.com/gridworks/dispatch/internal/domain"
	"github.com/gridworks/dispatch/internal/infrastructure/http/handler"
)

const adminToken = "test-admin-token"

var (
	signingKeyOnce sync.Once
	signingKey     *auth.SigningKey
)

func testSigningKey(t *testing.T) *auth.SigningKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		var err error
		signingKey, err = auth.LoadOrGenerateKey(context.Background(), "")
		if err != nil {
			t.Fatalf("failed to generate signing key: %v", err)
		}
	})
	return signingKey
}

type testEnv struct {
	jobRepo      *mockJobRepo
	botRepo      *mockBotRepo
	authRepo     *mockAuthRepo
	recoveryRepo *mockRecoveryRepo
	cleanupRepo  *mockCleanupRepo
	querier      *mockQuerier
	authSvc      *auth.Service
}

func newTestRouter(t *testing.T, env *testEnv) http.Handler {
	t.Helper()

	if env.jobRepo == nil {
		env.jobRepo = &mockJobRepo{}
	}
	if env.botRepo == nil {
		env.botRepo = &mockBotRepo{}
	}
	if env.authRepo == nil {
		env.authRepo = &mockAuthRepo{}
	}
	if env.recoveryRepo == nil {
		env.recoveryRepo = &mockRecoveryRepo{}
	}
	if env.cleanupRepo == nil {
		env.cleanupRepo = &mockCleanupRepo{}
	}
	if env.querier == nil {
		env.querier = &mockQuerier{}
	}

	env.authSvc = auth.NewService(env.authRepo, testSigningKey(t), auth.Config{})

	h := handler.New(
		env.authSvc,
		job.NewService(env.jobRepo, nil),
		bot.NewService(env.botRepo, bot.Config{}),
		recovery.NewMonitor(env.recoveryRepo),
		recovery.NewCleaner(env.cleanupRepo),
		env.querier,
	)

	router, err := handler.NewRouter(h, adminToken)
	require.NoError(t, err)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func adminHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminToken}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, &testEnv{})

	w := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestIssueToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("good-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	authRepo := &mockAuthRepo{
		findCredential: func(_ context.Context, botKey string) (*auth.Credential, error) {
			if botKey != "worker-1" {
				return nil, nil
			}
			return &auth.Credential{BotKey: "worker-1", SecretHash: string(hash), Enabled: true}, nil
		},
	}
	router := newTestRouter(t, &testEnv{authRepo: authRepo})

	w := doJSON(t, router, http.MethodPost, "/v1/auth/token",
		map[string]string{"bot_key": "worker-1", "bootstrap_secret": "good-secret"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "Bearer", body["token_type"])

	w = doJSON(t, router, http.MethodPost, "/v1/auth/token",
		map[string]string{"bot_key": "worker-1", "bootstrap_secret": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	errBody := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "AUTH", errBody["code"])
}

func TestIssueToken_MissingFieldsRejected(t *testing.T) {
	router := newTestRouter(t, &testEnv{})

	w := doJSON(t, router, http.MethodPost, "/v1/auth/token",
		map[string]string{"bot_key": "worker-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJWKS(t *testing.T) {
	router := newTestRouter(t, &testEnv{})

	w := doJSON(t, router, http.MethodGet, "/v1/auth/.well-known/jwks", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	keys := decodeBody(t, w)["keys"].([]any)
	require.Len(t, keys, 1)
}

func sessionToken(t *testing.T, env *testEnv, botKey string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	env.authRepo.findCredential = func(context.Context, string) (*auth.Credential, error) {
		return &auth.Credential{BotKey: botKey, SecretHash: string(hash), Enabled: true}, nil
	}

	envelope, err := env.authSvc.IssueToken(context.Background(), botKey, "secret", "")
	require.NoError(t, err)
	return envelope.AccessToken
}

func TestRegister(t *testing.T) {
	env := &testEnv{botRepo: &mockBotRepo{}, authRepo: &mockAuthRepo{}}
	router := newTestRouter(t, env)
	token := sessionToken(t, env, "worker-1")

	body := map[string]any{
		"bot_key":     "worker-1",
		"instance_id": "host-1",
		"agent":       map[string]string{"version": "1.2.0", "platform": "linux"},
		"capabilities": map[string]any{
			"operations":      []string{"sum", "divide"},
			"max_concurrency": 1,
		},
	}

	w := doJSON(t, router, http.MethodPost, "/v1/bots/register", body, map[string]string{
		"Authorization":   "Bearer " + token,
		"Idempotency-Key": uuid.NewString(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get("Idempotency-Replayed"))

	resp := decodeBody(t, w)
	assert.NotEmpty(t, resp["bot_id"])
	session := resp["session"].(map[string]any)
	assert.Greater(t, session["expires_in_sec"], float64(0))
}

func TestRegister_ReplaySetsHeader(t *testing.T) {
	rawBody := []byte(`{"bot_key":"worker-1"}`)
	sum := sha256.Sum256(rawBody)
	requestHash := hex.EncodeToString(sum[:])

	cached := []byte(`{"bot_id":"11111111-1111-4111-8111-111111111111"}`)
	env := &testEnv{
		botRepo: &mockBotRepo{
			getIdemRecord: func(_ context.Context, gotKey, botKey string) (*bot.IdempotencyRecord, error) {
				return &bot.IdempotencyRecord{
					Key:          gotKey,
					BotKey:       botKey,
					RequestHash:  requestHash,
					ResponseBody: cached,
				}, nil
			},
		},
		authRepo: &mockAuthRepo{},
	}
	router := newTestRouter(t, env)
	token := sessionToken(t, env, "worker-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/bots/register", bytes.NewReader(rawBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", uuid.NewString())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get("Idempotency-Replayed"))
	assert.JSONEq(t, string(cached), w.Body.String())
}

func TestRegister_RequiresToken(t *testing.T) {
	router := newTestRouter(t, &testEnv{})

	w := doJSON(t, router, http.MethodPost, "/v1/bots/register",
		map[string]string{"bot_key": "worker-1"}, map[string]string{
			"Idempotency-Key": uuid.NewString(),
		})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegister_RequiresIdempotencyKey(t *testing.T) {
	env := &testEnv{authRepo: &mockAuthRepo{}}
	router := newTestRouter(t, env)
	token := sessionToken(t, env, "worker-1")

	w := doJSON(t, router, http.MethodPost, "/v1/bots/register",
		map[string]string{"bot_key": "worker-1"}, map[string]string{
			"Authorization": "Bearer " + token,
		})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeat(t *testing.T) {
	known := uuid.New()
	env := &testEnv{
		botRepo: &mockBotRepo{
			recordHeartbeat: func(_ context.Context, id uuid.UUID) error {
				if id != known {
					return domain.ErrBotNotFound
				}
				return nil
			},
		},
	}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/bots/heartbeat",
		map[string]string{"bot_id": known.String()}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/bots/heartbeat",
		map[string]string{"bot_id": uuid.NewString()}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClaimJob(t *testing.T) {
	botID := uuid.New()
	jobID := uuid.New()

	t.Run("empty queue returns 204", func(t *testing.T) {
		router := newTestRouter(t, &testEnv{jobRepo: &mockJobRepo{}})
		w := doJSON(t, router, http.MethodPost, "/jobs/claim",
			map[string]string{"bot_id": botID.String()}, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.Bytes())
	})

	t.Run("claimed job returned", func(t *testing.T) {
		env := &testEnv{jobRepo: &mockJobRepo{
			claimNextJob: func(_ context.Context, id uuid.UUID) (*domain.Job, error) {
				return &domain.Job{
					ID: jobID, A: 2, B: 3, Operation: "sum",
					Status: domain.JobStatusClaimed, ClaimedBy: &id,
					CreatedAt: time.Now(),
				}, nil
			},
		}}
		router := newTestRouter(t, env)
		w := doJSON(t, router, http.MethodPost, "/jobs/claim",
			map[string]string{"bot_id": botID.String()}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, jobID.String(), body["id"])
		assert.Equal(t, "claimed", body["status"])
	})

	t.Run("busy bot conflicts", func(t *testing.T) {
		env := &testEnv{jobRepo: &mockJobRepo{
			claimNextJob: func(context.Context, uuid.UUID) (*domain.Job, error) {
				return nil, domain.ErrBotBusy
			},
		}}
		router := newTestRouter(t, env)
		w := doJSON(t, router, http.MethodPost, "/jobs/claim",
			map[string]string{"bot_id": botID.String()}, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestStartJob_GuardConflict(t *testing.T) {
	env := &testEnv{jobRepo: &mockJobRepo{
		startJob: func(context.Context, uuid.UUID, uuid.UUID) (*domain.Job, error) {
			return nil, domain.ErrJobNotClaimable
		},
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/jobs/"+uuid.NewString()+"/start",
		map[string]string{"bot_id": uuid.NewString()}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCompleteJob(t *testing.T) {
	jobID := uuid.New()
	botID := uuid.New()
	value := int64(5)
	env := &testEnv{jobRepo: &mockJobRepo{
		completeJob: func(_ context.Context, params job.CompleteParams) (*domain.Result, error) {
			assert.Equal(t, jobID, params.JobID)
			assert.Equal(t, int64(5), params.Value)
			return &domain.Result{
				ID: uuid.New(), JobID: jobID, Value: &value,
				Status: domain.JobStatusSucceeded, ProcessedBy: botID,
				ProcessedAt: time.Now(),
			}, nil
		},
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/jobs/"+jobID.String()+"/complete",
		map[string]any{"bot_id": botID.String(), "value": 5, "duration_ms": 100}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "succeeded", decodeBody(t, w)["status"])
}

func TestCompleteJob_MissingValueRejected(t *testing.T) {
	router := newTestRouter(t, &testEnv{})

	w := doJSON(t, router, http.MethodPost, "/jobs/"+uuid.NewString()+"/complete",
		map[string]any{"bot_id": uuid.NewString()}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobs(t *testing.T) {
	env := &testEnv{jobRepo: &mockJobRepo{
		listJobs: func(_ context.Context, params job.ListParams) ([]domain.Job, int, error) {
			assert.Equal(t, domain.JobStatusPending, params.Status)
			return []domain.Job{{ID: uuid.New(), Status: domain.JobStatusPending}}, 7, nil
		},
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodGet, "/jobs?status=pending&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(7), body["total"])
	assert.Len(t, body["jobs"], 1)
}

func TestPopulateJobs_AdminOnly(t *testing.T) {
	env := &testEnv{jobRepo: &mockJobRepo{}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/jobs/populate",
		map[string]any{"count": 5}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/jobs/populate",
		map[string]any{"count": 5}, adminHeader())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, float64(5), decodeBody(t, w)["created"])
}

func TestReleaseJob(t *testing.T) {
	jobID := uuid.New()
	env := &testEnv{jobRepo: &mockJobRepo{
		releaseJob: func(_ context.Context, id uuid.UUID) (*domain.Job, error) {
			assert.Equal(t, jobID, id)
			return &domain.Job{ID: id, Status: domain.JobStatusPending, Operation: "sum"}, nil
		},
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/jobs/"+jobID.String()+"/release", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/jobs/"+jobID.String()+"/release", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pending", decodeBody(t, w)["status"])
}

func TestDeleteBot(t *testing.T) {
	var gotReason string
	env := &testEnv{botRepo: &mockBotRepo{
		softDeleteBot: func(_ context.Context, _ uuid.UUID, reason string) error {
			gotReason = reason
			return nil
		},
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodDelete, "/bots/"+uuid.NewString(), nil, adminHeader())
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "Bot terminated", gotReason)
}

func TestResetAllBots(t *testing.T) {
	env := &testEnv{botRepo: &mockBotRepo{
		listBots: func(context.Context, bool) ([]domain.Bot, error) {
			return []domain.Bot{{ID: uuid.New()}, {ID: uuid.New()}}, nil
		},
		resetBot: func(context.Context, uuid.UUID) error { return nil },
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/bots/reset", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["reset"])
}

func TestAssignOperation_UnknownRejected(t *testing.T) {
	env := &testEnv{botRepo: &mockBotRepo{
		assignOperation: func(context.Context, uuid.UUID, *string) error { return nil },
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/bots/"+uuid.NewString()+"/assign-operation",
		map[string]string{"operation": "fibonacci"}, adminHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/bots/"+uuid.NewString()+"/assign-operation",
		map[string]string{"operation": "multiply"}, adminHeader())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminQuery(t *testing.T) {
	env := &testEnv{querier: &mockQuerier{
		run: func(_ context.Context, query string) ([]string, [][]any, error) {
			assert.Equal(t, "SELECT count(*) FROM jobs", query)
			return []string{"count"}, [][]any{{int64(3)}}, nil
		},
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/admin/query",
		map[string]string{"query": "SELECT count(*) FROM jobs;"}, adminHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, w)["row_count"])
}

func TestAdminQuery_RejectsMutations(t *testing.T) {
	router := newTestRouter(t, &testEnv{})

	for _, q := range []string{
		"DELETE FROM jobs",
		"SELECT 1; DROP TABLE jobs",
		"UPDATE bots SET status='idle'",
	} {
		w := doJSON(t, router, http.MethodPost, "/admin/query",
			map[string]string{"query": q}, adminHeader())
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestRecoverJobs(t *testing.T) {
	env := &testEnv{recoveryRepo: &mockRecoveryRepo{
		listStuckClaims: func(context.Context, time.Time, int) ([]uuid.UUID, error) {
			return []uuid.UUID{uuid.New()}, nil
		},
		repairRelease: func(context.Context, uuid.UUID) (bool, error) { return true, nil },
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/admin/recover-jobs", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["claims_released"])
}

func TestCleanupStatus(t *testing.T) {
	env := &testEnv{cleanupRepo: &mockCleanupRepo{
		listCleanupRuns: func(context.Context, int) ([]recovery.CleanupRun, error) {
			return []recovery.CleanupRun{{BotsPurged: 2}}, nil
		},
	}}
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodGet, "/admin/cleanup/status", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["runs"], 1)
}

func TestMetricsShape(t *testing.T) {
	router := newTestRouter(t, &testEnv{})

	w := doJSON(t, router, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "jobs")
	assert.Contains(t, body, "bots")
}
