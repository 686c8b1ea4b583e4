package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-vms/internal/billing"
	"github.com/ashureev/shsh-vms/internal/container/containertest"
	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/health"
	"github.com/ashureev/shsh-vms/internal/identity"
	"github.com/ashureev/shsh-vms/internal/middleware"
	"github.com/ashureev/shsh-vms/internal/ports"
	"github.com/ashureev/shsh-vms/internal/store"
	"github.com/ashureev/shsh-vms/internal/vm"
)

type apiEnv struct {
	router chi.Router
	repo   *store.SQLiteStore
	rt     *containertest.Runtime
	users  *identity.Service
}

func newAPIEnv(t *testing.T, limiter *middleware.RateLimiter) *apiEnv {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	rt := containertest.New()
	mgr, err := vm.NewManager(repo, rt, ports.NewAllocator(21000, 21009, repo), billing.NewMeter(10, repo), vm.Options{
		QuotaPerUser:  2,
		DefaultImage:  "shsh-vm:latest",
		AllowedImages: []string{"alpine:3"},
		DefaultMemory: 512 << 20,
		MaxMemory:     1 << 30,
		CPUShares:     512,
		PidsLimit:     64,
		StorageRoot:   t.TempDir(),
	})
	require.NoError(t, err)

	users := identity.NewService(repo)
	checker := health.NewChecker(time.Second, map[string]health.Probe{
		"database": repo.Ping,
		"docker":   rt.Ping,
	})

	r := chi.NewRouter()
	NewHealthHandler(checker).RegisterHealth(r)
	NewHandler(mgr, users, repo, limiter).RegisterRoutes(r)

	return &apiEnv{router: r, repo: repo, rt: rt, users: users}
}

func (e *apiEnv) newUser(t *testing.T, name string, role domain.Role, credits int64) (*domain.User, string) {
	t.Helper()
	u, token, err := e.users.CreateUser(context.Background(), name, role, credits)
	require.NoError(t, err)
	return u, token
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPIRequiresToken(t *testing.T) {
	env := newAPIEnv(t, nil)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/vms", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/vms", "bogus", nil).Code)
}

func TestAPIMe(t *testing.T) {
	env := newAPIEnv(t, nil)
	user, token := env.newUser(t, "alice", domain.RoleUser, 42)

	w := env.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[meResponse](t, w)
	assert.Equal(t, user.UserID, got.User.UserID)
	assert.Equal(t, int64(42), got.User.Credits)
	assert.Zero(t, got.ActiveVMs)
}

func TestAPIVMLifecycle(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, token := env.newUser(t, "alice", domain.RoleUser, 100)

	w := env.do(t, http.MethodPost, "/api/vms", token, createVMRequest{Name: "dev-box", Memory: "256m"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[domain.VM](t, w)
	assert.Equal(t, domain.StatusRunning, created.Status)
	assert.Equal(t, int64(256<<20), created.MemoryLimit)
	assert.Equal(t, "shsh-vm:latest", created.Image)
	assert.True(t, env.rt.Running(created.RuntimeHandle))

	w = env.do(t, http.MethodGet, "/api/vms", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		VMs []domain.VM `json:"vms"`
	}](t, w)
	require.Len(t, listed.VMs, 1)
	assert.Equal(t, created.ID, listed.VMs[0].ID)

	w = env.do(t, http.MethodGet, "/api/vms/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusRunning, decode[domain.VM](t, w).Status)

	w = env.do(t, http.MethodPost, "/api/vms/"+created.ID+"/stop", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusStopped, decode[domain.VM](t, w).Status)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/vms/"+created.ID+"/stop", token, nil).Code)

	w = env.do(t, http.MethodPost, "/api/vms/"+created.ID+"/start", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusRunning, decode[domain.VM](t, w).Status)

	w = env.do(t, http.MethodDelete, "/api/vms/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusTerminated, decode[domain.VM](t, w).Status)
	assert.False(t, env.rt.Exists(created.RuntimeHandle))

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/vms/"+created.ID+"/start", token, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/vms/"+created.ID, token, nil).Code)
}

func TestAPICreateVMRejectsBadInput(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, token := env.newUser(t, "alice", domain.RoleUser, 100)

	tests := []struct {
		name string
		body interface{}
	}{
		{"bad memory", createVMRequest{Name: "a", Memory: "lots"}},
		{"memory above max", createVMRequest{Name: "a", Memory: "4g"}},
		{"image not allowed", createVMRequest{Name: "a", Image: "evil:latest"}},
		{"bad name", createVMRequest{Name: "../etc"}},
		{"unknown field", map[string]string{"name": "a", "cpu": "8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/vms", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, env.rt.Calls(containertest.OpCreate))
}

func TestAPICreateVMNeedsCredits(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, token := env.newUser(t, "broke", domain.RoleUser, 0)

	w := env.do(t, http.MethodPost, "/api/vms", token, createVMRequest{Name: "a"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestAPIQuota(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, token := env.newUser(t, "alice", domain.RoleUser, 100)

	for _, name := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/vms", token, createVMRequest{Name: name}).Code)
	}
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/vms", token, createVMRequest{Name: "c"}).Code)
}

func TestAPIOtherUsersVMIsNotFound(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, alice := env.newUser(t, "alice", domain.RoleUser, 100)
	_, bob := env.newUser(t, "bob", domain.RoleUser, 100)
	_, admin := env.newUser(t, "root", domain.RoleAdmin, 0)

	w := env.do(t, http.MethodPost, "/api/vms", alice, createVMRequest{Name: "mine"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[domain.VM](t, w).ID

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/vms/"+id, bob, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/vms/"+id+"/stop", bob, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/vms/"+id, bob, nil).Code)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/vms/"+id, admin, nil).Code)
	w = env.do(t, http.MethodDelete, "/api/vms/"+id, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusTerminated, decode[domain.VM](t, w).Status)
}

func TestAPIAdminRoutesRequireAdmin(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, token := env.newUser(t, "alice", domain.RoleUser, 100)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/admin/host", token, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/admin/users", token, createUserRequest{Username: "x"}).Code)
}

func TestAPIAdminUsersAndCredits(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, admin := env.newUser(t, "root", domain.RoleAdmin, 0)

	w := env.do(t, http.MethodPost, "/api/admin/users", admin, createUserRequest{Username: "carol", Credits: 5})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[createUserResponse](t, w)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, domain.RoleUser, created.User.Role)

	w = env.do(t, http.MethodGet, "/api/me", created.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", decode[meResponse](t, w).User.Username)

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/api/admin/users", admin, createUserRequest{Username: "carol"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/api/admin/users", admin, createUserRequest{Username: "dave", Role: "root"}).Code)

	w = env.do(t, http.MethodPost, "/api/admin/users/"+created.User.UserID+"/credits", admin, adjustCreditsRequest{Delta: 20})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 25, decode[map[string]interface{}](t, w)["credits"])

	w = env.do(t, http.MethodPost, "/api/admin/users/"+created.User.UserID+"/credits", admin, adjustCreditsRequest{Delta: -1000})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]interface{}](t, w)["credits"])

	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/admin/users/ghost/credits", admin, adjustCreditsRequest{Delta: 1}).Code)

	w = env.do(t, http.MethodGet, "/api/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Users []domain.User `json:"users"`
	}](t, w).Users, 2)
}

func TestAPIAdminContainers(t *testing.T) {
	env := newAPIEnv(t, nil)
	_, alice := env.newUser(t, "alice", domain.RoleUser, 100)
	_, admin := env.newUser(t, "root", domain.RoleAdmin, 0)

	w := env.do(t, http.MethodPost, "/api/vms", alice, createVMRequest{Name: "box"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[domain.VM](t, w)

	w = env.do(t, http.MethodGet, "/api/admin/host", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/containers", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.RuntimeHandle)

	w = env.do(t, http.MethodPost, "/api/admin/containers/"+created.RuntimeHandle+"/stop", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stopped := decode[forceResponse](t, w)
	require.NotNil(t, stopped.VM)
	assert.Equal(t, domain.StatusStopped, stopped.VM.Status)

	w = env.do(t, http.MethodDelete, "/api/admin/containers/"+created.RuntimeHandle, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	removed := decode[forceResponse](t, w)
	require.NotNil(t, removed.VM)
	assert.Equal(t, domain.StatusTerminated, removed.VM.Status)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/admin/containers/nope/stop", admin, nil).Code)
}

func TestAPIRateLimitsMutatingRoutes(t *testing.T) {
	env := newAPIEnv(t, middleware.NewRateLimiter(0.001, 1, nil))
	_, token := env.newUser(t, "alice", domain.RoleUser, 100)

	assert.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/vms", token, createVMRequest{Name: "a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/api/vms", token, createVMRequest{Name: "b"}).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/vms", token, nil).Code, "reads are not limited")
}

func TestAPIHealth(t *testing.T) {
	env := newAPIEnv(t, nil)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[health.Status](t, w).Healthy)

	env.rt.SetError(containertest.OpPing, assert.AnError)
	w = env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	st := decode[health.Status](t, w)
	assert.False(t, st.Healthy)
	assert.Equal(t, "ok", st.Components["database"])
}
