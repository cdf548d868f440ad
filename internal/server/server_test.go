package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/config"
	"agentcouncil/internal/db"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/migrate"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Council *orchestrator.Council
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Council.DispatchInterval = 10 * time.Millisecond
	builder, err := agent.NewBuilder("builder-1")
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	c := orchestrator.New(conn, orchestrator.Options{Config: cfg, Agents: []agent.Agent{builder}})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	handler, err := New(Config{
		Council:  c,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
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
		URL:     "http://" + ln.Addr().String(),
		Council: c,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Shutdown(ctx)
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, err := SignToken(testSecret, "operator", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	me := decode[MeResponse](t, data)
	if me.ActorID != "operator" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	forged, err := SignToken("other-secret", "operator", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d: %s", res.StatusCode, string(data))
	}

	err = srv.Council.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		ActorID:   "reviewer-bot",
		KeyHash:   repo.HashAPIKey("s3cret"),
		CreatedAt: domain.FormatTime(time.Now()),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	if me := decode[MeResponse](t, data); me.ActorID != "reviewer-bot" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestAssignTaskRunsToCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type":         "chapter.draft",
		"target_agent": "builder-1",
		"project_id":   "book",
		"payload":      map[string]any{"chapter_id": "ch-1", "title": "Opening", "outline": []string{"a", "b"}},
	}, asActor("operator"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	assigned := decode[AssignTaskResponse](t, data)
	if assigned.TaskID == "" || assigned.Warning != "" {
		t.Fatalf("unexpected assign response %+v", assigned)
	}

	deadline := time.Now().Add(5 * time.Second)
	var task domain.Task
	for time.Now().Before(deadline) {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+assigned.TaskID, nil, asActor("operator"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
		}
		task = decode[domain.Task](t, data)
		if task.Status.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s (%s)", task.Status, domain.Deref(task.Error))
	}
	if domain.Deref(task.ClaimedBy) != "builder-1" {
		t.Fatalf("expected builder-1 to claim the task, got %q", domain.Deref(task.ClaimedBy))
	}
}

func TestAssignTaskValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type":         "chapter.draft",
		"target_agent": "ghost",
		"payload":      map[string]any{"chapter_id": "ch-1", "title": "Opening"},
	}, asActor("operator"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for unregistered agent, got %d: %s", res.StatusCode, string(data))
	}
	if resp := decode[AssignTaskResponse](t, data); resp.TaskID == "" || resp.Warning == "" {
		t.Fatalf("expected task id and warning, got %+v", resp)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type":    "chapter.draft",
		"payload": map[string]any{"title": "no chapter"},
	}, asActor("operator"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad payload, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_payload" {
		t.Fatalf("expected invalid_payload, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, asActor("operator"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestSignoffVotingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/signoffs", map[string]any{
		"project_id":      "book",
		"change_type":     "chapter",
		"change_id":       "ch-1",
		"title":           "Publish chapter one",
		"strictness":      "blocking",
		"required_agents": []string{"alice", "bob"},
	}, asActor("operator"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request signoff status %d: %s", res.StatusCode, string(data))
	}
	s := decode[domain.Signoff](t, data)
	if s.Status != domain.SignoffPending {
		t.Fatalf("expected pending signoff, got %s", s.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/signoffs/"+s.ID+"/gate", nil, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate status %d: %s", res.StatusCode, string(data))
	}
	if gate := decode[SignoffGateResponse](t, data); gate.MayProceed {
		t.Fatalf("blocking signoff must hold the change while pending")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/signoffs/"+s.ID+"/check", nil, asActor("operator"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "signoff_pending" {
		t.Fatalf("expected 409 signoff_pending, got %d: %s", res.StatusCode, string(data))
	}

	for _, voter := range []string{"bob", "alice"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/signoffs/"+s.ID+"/votes", map[string]any{
			"vote": "approve",
		}, asActor(voter))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("vote %s status %d: %s", voter, res.StatusCode, string(data))
		}
	}
	s = decode[domain.Signoff](t, data)
	if s.Status != domain.SignoffApproved {
		t.Fatalf("expected approved after both votes, got %s", s.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/signoffs/"+s.ID+"/gate", nil, asActor("operator"))
	if gate := decode[SignoffGateResponse](t, data); !gate.MayProceed {
		t.Fatalf("expected gate open after approval: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/signoffs/"+s.ID+"/check", nil, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/signoffs/"+s.ID+"/votes", map[string]any{
		"vote": "reject",
	}, asActor("alice"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "signoff_closed" {
		t.Fatalf("expected 409 signoff_closed, got %d: %s", res.StatusCode, string(data))
	}
}

func TestProposalDecisionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"project_id":  "book",
		"action_type": "chapter.rename",
		"title":       "Rename chapter one",
		"payload":     map[string]any{"chapter_id": "ch-1", "title": "Dawn"},
		"urgency":     "high",
	}, asActor("builder-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
	}
	p := decode[domain.Proposal](t, data)
	if p.AgentID != "builder-1" || p.Status != domain.ProposalPending {
		t.Fatalf("unexpected proposal %+v", p)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?status=pending", nil, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list proposals status %d: %s", res.StatusCode, string(data))
	}
	if items := decode[[]domain.Proposal](t, data); len(items) != 1 || items[0].ID != p.ID {
		t.Fatalf("expected the pending proposal, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p.ID+"/approve", nil, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	p = decode[domain.Proposal](t, data)
	if p.Status != domain.ProposalApproved || domain.Deref(p.DecidedBy) != "operator" {
		t.Fatalf("unexpected decision %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p.ID+"/reject", map[string]any{"reason": "late"}, asActor("operator"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "proposal_closed" {
		t.Fatalf("expected 409 proposal_closed, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"project_id": "book"}, asActor("operator"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, string(data))
	}
	s := decode[domain.CouncilSession](t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/active?project_id=book", nil, asActor("operator"))
	active := decode[ActiveSessionResponse](t, data)
	if !active.Active || active.Session == nil || active.Session.ID != s.ID {
		t.Fatalf("expected active session %s, got %s", s.ID, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/end", map[string]any{"summary": "done"}, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end session status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/end", nil, asActor("operator"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/replay", nil, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	replay := decode[SessionReplayResponse](t, data)
	if replay.Session.Status != domain.SessionCompleted || len(replay.Log) == 0 {
		t.Fatalf("unexpected replay %s", string(data))
	}
}

func TestProjectConfigRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/book/config", map[string]any{
		"default_strictness": "advisory",
		"phase_strictness":   map[string]string{"publish": "blocking"},
		"proposal_quorum":    2,
	}, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put config status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/book/config", nil, asActor("operator"))
	p := decode[domain.ProjectCouncilConfig](t, data)
	if p.DefaultStrictness != domain.StrictnessAdvisory || p.StrictnessFor("publish") != domain.StrictnessBlocking || p.ProposalQuorum != 2 {
		t.Fatalf("unexpected policy %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/book/config", map[string]any{
		"phase_strictness": map[string]string{"publish": "strict"},
	}, asActor("operator"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad strictness, got %d: %s", res.StatusCode, string(data))
	}
}

func TestLogPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
			"project_id":  "book",
			"action_type": "note.add",
			"title":       "note",
		}, asActor("builder-1"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/log?project_id=book&limit=2", nil, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log status %d: %s", res.StatusCode, string(data))
	}
	page := decode[LogPage](t, data)
	if len(page.Items) != 2 || page.NextCursor == 0 {
		t.Fatalf("expected a full first page with cursor, got %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/log?project_id=book&limit=2&before="+strconv.FormatInt(page.NextCursor, 10), nil, asActor("operator"))
	next := decode[LogPage](t, data)
	if len(next.Items) != 1 || next.Items[0].ID >= page.NextCursor {
		t.Fatalf("expected the oldest row on the second page, got %s", string(data))
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var signatures []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		signatures = append(signatures, r.Header.Get("X-Council-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Council.Repo, []config.WebhookConfig{{
		ID:     "audit",
		URL:    hook.URL,
		Secret: "hook-secret",
		Events: []string{"proposal:*"},
	}}, WebhookOptions{})

	if _, err := srv.Council.StartSession(ctx, "book"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	// The first pass pins the cursor at the newest row.
	d.DispatchAll(ctx)
	if _, err := srv.Council.CreateProposal(ctx, domain.ProposalInput{
		AgentID:    "builder-1",
		ProjectID:  "book",
		ActionType: "chapter.rename",
		Title:      "Rename",
	}); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d: %+v", len(got), got)
	}
	if got[0].Event != domain.EventProposalCreated {
		t.Fatalf("expected %s, got %s", domain.EventProposalCreated, got[0].Event)
	}
	if !strings.HasPrefix(signatures[0], "sha256=") {
		t.Fatalf("expected signed delivery, got %q", signatures[0])
	}
	cursor, ok, err := srv.Council.Repo.GetWebhookCursor(ctx, "audit")
	if err != nil || !ok || cursor != got[0].ID {
		t.Fatalf("expected cursor at %d, got %d (%v, %v)", got[0].ID, cursor, ok, err)
	}
}

func TestEventStream(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/events/ws?events=session:*"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-Actor-Id": {"operator"}})
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// A pong proves the subscription is live.
	if err := conn.WriteJSON(StreamMessage{Type: streamMessagePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != streamMessagePong {
		t.Fatalf("expected pong, got %+v (%v)", msg, err)
	}

	res2, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"project_id": "book"}, asActor("operator"))
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res2.StatusCode, string(data))
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != streamMessageEvent || msg.Event == nil || msg.Event.Type != domain.EventSessionStarted {
		t.Fatalf("expected session:started, got %+v", msg)
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"task:*", " signoff:approved "})
	cases := map[string]bool{
		"task:assigned":    true,
		"task:completed":   true,
		"signoff:approved": true,
		"signoff:rejected": false,
		"proposal:created": false,
		"session:started":  false,
	}
	for evt, want := range cases {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%s) = %v, want %v", evt, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match everything")
	}
	if f.without([]string{"task:*", "signoff:approved"}).match("task:assigned") {
		t.Fatalf("fully unsubscribed filter should match nothing")
	}
}

func TestUnregisterAgent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/agents/builder-1", nil, asActor("operator"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("unregister status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agents/health", nil, asActor("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if h := decode[HealthResponse](t, data); len(h.Agents) != 0 {
		t.Fatalf("expected empty roster, got %+v", h.Agents)
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/agents/builder-1", nil, asActor("operator"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second unregister, got %d: %s", res.StatusCode, string(data))
	}
}
