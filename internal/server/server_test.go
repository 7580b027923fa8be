package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"castline/internal/config"
	"castline/internal/db"
	"castline/internal/domain"
	"castline/internal/engine"
	"castline/internal/migrate"
	"castline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("castline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	owner := domain.Identity{ActorID: "tester", Role: "owner"}
	if _, err := e.InitProject(context.Background(), engine.ProjectInit{ID: cfg.Project.ID, Name: "Castline", Config: cfg}, owner); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, actorID, role string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func ownerHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "tester", "owner")}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestInspectionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := ownerHeaders(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/castline/boxes", map[string]any{
		"id": "box-1", "name": "B-01",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create box status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/boxes/box-1/activities", map[string]any{
		"id": "act-1", "name": "Casting", "is_wir_checkpoint": true,
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create activity status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/act-1/checkpoints", map[string]any{
		"name": "Pre-pour",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create checkpoint status %d: %s", res.StatusCode, data)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatalf("unmarshal checkpoint: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkpoints/"+cp.ID+"/items", map[string]any{
		"catalog_ids": []string{"rebar.cover", "rebar.spacing"},
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add items status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatal(err)
	}
	if len(cp.Items) != 2 {
		t.Fatalf("items = %d", len(cp.Items))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkpoints/"+cp.ID+"/review", map[string]any{
		"status": "approved",
		"items": []map[string]any{
			{"item_id": cp.Items[0].ID, "status": "pass"},
			{"item_id": cp.Items[1].ID, "status": "pass"},
		},
		"inspector_name": "R. Vega",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatal(err)
	}
	if cp.Status != domain.CheckpointApproved || cp.ApprovalDate == nil {
		t.Fatalf("review not applied: %+v", cp)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/activities/act-1/status", map[string]any{
		"status": "in_progress", "progress": 40, "work_description": "cage placed",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/boxes/box-1", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get box status %d: %s", res.StatusCode, data)
	}
	var box domain.Box
	if err := json.Unmarshal(data, &box); err != nil {
		t.Fatal(err)
	}
	if box.Status != domain.StatusInProgress || box.ProgressPercentage != 40 {
		t.Fatalf("cascade missing: %+v", box)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?record_id=act-1", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, data)
	}
	var page paginatedAudit
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("audit trail empty")
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := ownerHeaders(t)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/boxes/missing", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "not_found" || envelope.Error.Message == "" {
		t.Fatalf("envelope = %+v", envelope)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	// Legacy actor header is honored when enabled.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Actor-Id": "legacy"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header status %d", res.StatusCode)
	}
	// A role without the permission is rejected by the gate.
	viewer := map[string]string{"Authorization": "Bearer " + signToken(t, "eve", "visitor")}
	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/activities/none/status", map[string]any{"status": "in_progress"}, viewer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if _, err := srv.Engine.CreateUser(ctx, domain.User{ID: "qc-bot", Name: "QC Bot", Role: "inspector"}); err != nil {
		t.Fatal(err)
	}
	key := "castline-test-key"
	err := srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:      "k-1",
		ActorID: "qc-bot",
		KeyHash: repo.HashAPIKey(key),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var id domain.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		t.Fatal(err)
	}
	if id.ActorID != "qc-bot" || id.Role != "inspector" {
		t.Fatalf("identity = %+v", id)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}
