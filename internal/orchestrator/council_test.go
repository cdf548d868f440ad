package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/bus"
	"agentcouncil/internal/config"
	"agentcouncil/internal/db"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/migrate"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Ctx     context.Context
	Council *orchestrator.Council
	Spans   *tracetest.SpanRecorder
}

type envOptions struct {
	Agents []agent.Agent
	Now    func() time.Time
	Tune   func(cfg *config.Config)
}

func newTestEnv(t *testing.T, opts envOptions) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Council.DispatchInterval = 10 * time.Millisecond
	cfg.Council.RequestTimeout = 2 * time.Second
	cfg.Retry = config.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	if opts.Tune != nil {
		opts.Tune(cfg)
	}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	c := orchestrator.New(conn, orchestrator.Options{
		Config: cfg,
		Now:    opts.Now,
		Tracer: tp.Tracer("test"),
		Agents: opts.Agents,
	})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(sctx)
		c.Bus.Close()
	})
	return testEnv{Ctx: ctx, Council: c, Spans: spans}
}

func (env testEnv) start(t *testing.T) {
	t.Helper()
	if err := env.Council.Initialize(env.Ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func (env testEnv) wait(t *testing.T, id string) domain.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	task, err := env.Council.WaitTask(ctx, id)
	if err != nil {
		t.Fatalf("wait task %s: %v (status %s)", id, err, task.Status)
	}
	return task
}

// waitSpan polls the recorder; spans end after the store write they wrap.
func (env testEnv) waitSpan(t *testing.T, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range env.Spans.Ended() {
			if s.Name() == name {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s span recorded", name)
}

func mustAgent(a *agent.Base, err error) agent.Agent {
	if err != nil {
		panic(err)
	}
	return a
}

// failingBuilder is a builder whose drafts always fail.
func failingBuilder(t *testing.T, id string, calls *atomic.Int32) agent.Agent {
	t.Helper()
	fail := func(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
		calls.Add(1)
		return nil, errors.New("draft backend down")
	}
	a, err := agent.NewBase(id, "Failing builder", domain.HouseBuilder, map[agent.MessageType]agent.HandlerFunc{
		agent.MsgPing:         fail,
		agent.MsgOutlineBuild: fail,
		agent.MsgChapterDraft: fail,
	})
	return mustAgent(a, err)
}

func draftSpec(target string) orchestrator.TaskSpec {
	return orchestrator.TaskSpec{
		Type:        agent.MsgChapterDraft,
		TargetAgent: target,
		ProjectID:   "book",
		Payload:     json.RawMessage(`{"chapter_id":"ch-1","title":"Opening","outline":["a","b"]}`),
	}
}

func TestAssignToUnknownAgentStaysPending(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id, err := env.Council.AssignTask(env.Ctx, draftSpec("ghost"), orchestrator.AssignOptions{})
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if id == "" {
		t.Fatalf("expected task id alongside the error")
	}
	task, err := env.Council.GetTaskStatus(env.Ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
}

func TestAssignRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	spec := draftSpec("")
	spec.Payload = json.RawMessage(`{"title":"no chapter"}`)
	if _, err := env.Council.AssignTask(env.Ctx, spec, orchestrator.AssignOptions{}); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	spec.Type = "chapter.publish"
	if _, err := env.Council.AssignTask(env.Ctx, spec, orchestrator.AssignOptions{}); !errors.Is(err, domain.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDispatchCompletesTask(t *testing.T) {
	builder := mustAgent(agent.NewBuilder("builder-1"))
	env := newTestEnv(t, envOptions{Agents: []agent.Agent{builder}})
	env.start(t)

	id, err := env.Council.AssignTask(env.Ctx, draftSpec("builder-1"), orchestrator.AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	task := env.wait(t, id)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, domain.Deref(task.Error))
	}
	if !strings.Contains(string(task.Result), `"drafted"`) {
		t.Fatalf("unexpected result %s", task.Result)
	}
	if domain.Deref(task.ClaimedBy) != "builder-1" {
		t.Fatalf("expected builder-1 to claim, got %v", task.ClaimedBy)
	}
	env.waitSpan(t, "council.task.dispatch")
}

func TestDependentRunsAfterDependency(t *testing.T) {
	builder := mustAgent(agent.NewBuilder("builder-1"))
	env := newTestEnv(t, envOptions{Agents: []agent.Agent{builder}})
	env.start(t)

	first, err := env.Council.AssignTask(env.Ctx, draftSpec(""), orchestrator.AssignOptions{})
	if err != nil {
		t.Fatalf("assign first: %v", err)
	}
	spec := draftSpec("")
	spec.DependsOn = []string{first}
	second, err := env.Council.AssignTask(env.Ctx, spec, orchestrator.AssignOptions{})
	if err != nil {
		t.Fatalf("assign second: %v", err)
	}
	t2 := env.wait(t, second)
	t1, err := env.Council.GetTaskStatus(env.Ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if t1.Status != domain.TaskCompleted || t2.Status != domain.TaskCompleted {
		t.Fatalf("expected both completed, got %s and %s", t1.Status, t2.Status)
	}
	if domain.Deref(t2.StartedAt) < domain.Deref(t1.CompletedAt) {
		t.Fatalf("dependent started %s before dependency completed %s", domain.Deref(t2.StartedAt), domain.Deref(t1.CompletedAt))
	}
}

func TestFailingAgentExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, envOptions{Agents: []agent.Agent{failingBuilder(t, "builder-1", &calls)}})
	env.start(t)

	retries := 2
	id, err := env.Council.AssignTask(env.Ctx, draftSpec("builder-1"), orchestrator.AssignOptions{MaxRetries: &retries})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	task := env.wait(t, id)
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !strings.Contains(domain.Deref(task.Error), "draft backend down") {
		t.Fatalf("unexpected error %q", domain.Deref(task.Error))
	}
}

// blockingBuilder signals started and holds every draft until its context
// ends.
func blockingBuilder(t *testing.T, id string, started chan<- string) agent.Agent {
	t.Helper()
	hold := func(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
		started <- msg.CorrelationID
		<-ctx.Done()
		return nil, ctx.Err()
	}
	a, err := agent.NewBase(id, "Blocking builder", domain.HouseBuilder, map[agent.MessageType]agent.HandlerFunc{
		agent.MsgChapterDraft: hold,
	})
	return mustAgent(a, err)
}

func TestShutdownReleasesInflightTask(t *testing.T) {
	started := make(chan string, 1)
	env := newTestEnv(t, envOptions{Agents: []agent.Agent{blockingBuilder(t, "builder-1", started)}})
	env.start(t)

	noRetries := 0
	id, err := env.Council.AssignTask(env.Ctx, draftSpec("builder-1"), orchestrator.AssignOptions{MaxRetries: &noRetries})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never started")
	}
	sctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	if err := env.Council.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	task, err := env.Council.GetTaskStatus(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskPending || task.Retries != 0 || task.ClaimedBy != nil {
		t.Fatalf("expected pending with no retry used, got %s retries=%d error=%q", task.Status, task.Retries, domain.Deref(task.Error))
	}
}

func TestInitializeRecoversClaimedTask(t *testing.T) {
	builder := mustAgent(agent.NewBuilder("builder-1"))
	env := newTestEnv(t, envOptions{Agents: []agent.Agent{builder}})

	id, err := env.Council.AssignTask(env.Ctx, draftSpec(""), orchestrator.AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	// claimed by a process that died before starting it
	if ok, err := env.Council.Queue.Claim(env.Ctx, id, "builder-9"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	env.start(t)

	task := env.wait(t, id)
	if task.Status != domain.TaskCompleted || domain.Deref(task.ClaimedBy) != "builder-1" {
		t.Fatalf("expected completed by builder-1, got %s by %v", task.Status, task.ClaimedBy)
	}
	if task.Retries != 0 {
		t.Fatalf("recovery must not use a retry, got %d", task.Retries)
	}
}

func TestUnavailableAgentReleasesTask(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("%w: builder-1 lost its backend", domain.ErrAgentUnavailable)
	}
	a := mustAgent(agent.NewBase("builder-1", "Flaky builder", domain.HouseBuilder, map[agent.MessageType]agent.HandlerFunc{
		agent.MsgChapterDraft: flaky,
	}))
	env := newTestEnv(t, envOptions{Agents: []agent.Agent{a}})
	env.start(t)

	id, err := env.Council.AssignTask(env.Ctx, draftSpec("builder-1"), orchestrator.AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := env.Council.Registry.Status("builder-1")
		if err != nil {
			t.Fatal(err)
		}
		if status == domain.AgentError {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never marked error, status %s", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := env.Council.GetTaskStatus(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskPending || task.Retries != 0 {
		t.Fatalf("expected pending with full budget, got %s retries=%d", task.Status, task.Retries)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one attempt, got %d", calls.Load())
	}
}

func TestCancelTaskCascades(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	root, err := env.Council.AssignTask(env.Ctx, draftSpec(""), orchestrator.AssignOptions{})
	if err != nil {
		t.Fatal(err)
	}
	spec := draftSpec("")
	spec.DependsOn = []string{root}
	child, err := env.Council.AssignTask(env.Ctx, spec, orchestrator.AssignOptions{})
	if err != nil {
		t.Fatal(err)
	}
	spec.DependsOn = []string{child}
	grandchild, err := env.Council.AssignTask(env.Ctx, spec, orchestrator.AssignOptions{})
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := env.Council.CancelTask(env.Ctx, root, "scope changed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(cancelled) != 3 {
		t.Fatalf("expected 3 cancelled tasks, got %d", len(cancelled))
	}
	g, err := env.Council.GetTaskStatus(env.Ctx, grandchild)
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != domain.TaskCancelled || !strings.Contains(domain.Deref(g.Error), root) {
		t.Fatalf("unexpected grandchild %s %q", g.Status, domain.Deref(g.Error))
	}
	if _, err := env.Council.CancelTask(env.Ctx, root, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second cancel, got %v", err)
	}
}

func TestResolveSignoff(t *testing.T) {
	cases := []struct {
		name       string
		strictness domain.Strictness
		required   []string
		votes      map[string]domain.Vote
		want       domain.SignoffStatus
	}{
		{"none without votes", domain.StrictnessNone, nil, nil, domain.SignoffApproved},
		{"advisory waits for a vote", domain.StrictnessAdvisory, []string{"a"}, nil, domain.SignoffPending},
		{"advisory first approve", domain.StrictnessAdvisory, []string{"a"}, map[string]domain.Vote{"x": domain.VoteApprove}, domain.SignoffApproved},
		{"advisory first reject", domain.StrictnessAdvisory, []string{"a"}, map[string]domain.Vote{"a": domain.VoteReject}, domain.SignoffRejected},
		{"required partial", domain.StrictnessRequired, []string{"a", "b"}, map[string]domain.Vote{"b": domain.VoteApprove}, domain.SignoffPending},
		{"required all approve", domain.StrictnessRequired, []string{"a", "b"}, map[string]domain.Vote{"a": domain.VoteApprove, "b": domain.VoteApprove}, domain.SignoffApproved},
		{"required one reject", domain.StrictnessRequired, []string{"a", "b"}, map[string]domain.Vote{"b": domain.VoteReject}, domain.SignoffRejected},
		{"required abstain holds", domain.StrictnessRequired, []string{"a", "b"}, map[string]domain.Vote{"a": domain.VoteApprove, "b": domain.VoteAbstain}, domain.SignoffPending},
		{"required outsider ignored", domain.StrictnessRequired, []string{"a"}, map[string]domain.Vote{"x": domain.VoteReject}, domain.SignoffPending},
		{"blocking all approve", domain.StrictnessBlocking, []string{"a"}, map[string]domain.Vote{"a": domain.VoteApprove}, domain.SignoffApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := orchestrator.ResolveSignoff(domain.Signoff{
				Status:         domain.SignoffPending,
				Strictness:     tc.strictness,
				RequiredAgents: tc.required,
				Votes:          tc.votes,
			})
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func requestSignoff(t *testing.T, env testEnv, strictness domain.Strictness, required ...string) domain.Signoff {
	t.Helper()
	s, err := env.Council.RequestSignoff(env.Ctx, domain.SignoffRequest{
		ProjectID:      "book",
		ChangeType:     "outline",
		ChangeID:       "outline-7",
		Title:          "Restructure part two",
		Payload:        json.RawMessage(`{"moves":3}`),
		RequiredAgents: required,
		Strictness:     strictness,
	})
	if err != nil {
		t.Fatalf("request signoff: %v", err)
	}
	return s
}

func TestRequiredSignoffAnyOrder(t *testing.T) {
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		env := newTestEnv(t, envOptions{})
		s := requestSignoff(t, env, domain.StrictnessRequired, "a", "b")
		got, err := env.Council.RecordVote(env.Ctx, s.ID, order[0], domain.VoteApprove, "")
		if err != nil {
			t.Fatalf("first vote: %v", err)
		}
		if got.Status != domain.SignoffPending {
			t.Fatalf("expected pending after one vote, got %s", got.Status)
		}
		got, err = env.Council.RecordVote(env.Ctx, s.ID, order[1], domain.VoteApprove, "looks right")
		if err != nil {
			t.Fatalf("second vote: %v", err)
		}
		if got.Status != domain.SignoffApproved || domain.Deref(got.ResolvedBy) != order[1] {
			t.Fatalf("expected approved by %s, got %s by %v", order[1], got.Status, got.ResolvedBy)
		}
		stored, err := env.Council.GetSignoff(env.Ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(stored.Votes) != 2 || stored.Votes["a"] != domain.VoteApprove || stored.Votes["b"] != domain.VoteApprove {
			t.Fatalf("unexpected stored votes %v", stored.Votes)
		}
	}
}

func TestSignoffVotesReloadIntact(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	s := requestSignoff(t, env, domain.StrictnessRequired, "a", "b")
	votes := []struct {
		agent string
		vote  domain.Vote
	}{
		{"observer-1", domain.VoteReject},
		{"observer-2", domain.VoteAbstain},
		{"a", domain.VoteApprove},
	}
	for _, v := range votes {
		got, err := env.Council.RecordVote(env.Ctx, s.ID, v.agent, v.vote, "")
		if err != nil {
			t.Fatalf("vote %s: %v", v.agent, err)
		}
		if got.Status != domain.SignoffPending {
			t.Fatalf("votes outside the required set must not resolve, got %s after %s", got.Status, v.agent)
		}
	}
	stored, err := repo.Repo{DB: env.Council.DB}.GetSignoff(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]domain.Vote{"observer-1": domain.VoteReject, "observer-2": domain.VoteAbstain, "a": domain.VoteApprove}
	if len(stored.Votes) != len(want) {
		t.Fatalf("expected %d votes, got %v", len(want), stored.Votes)
	}
	for id, v := range want {
		if stored.Votes[id] != v {
			t.Fatalf("vote for %s: expected %s, got %s", id, v, stored.Votes[id])
		}
	}
	if stored.Status != domain.SignoffPending || strings.Join(stored.RequiredAgents, ",") != "a,b" {
		t.Fatalf("unexpected reloaded signoff %+v", stored)
	}
}

func TestRequiredSignoffRejectsOnFirstReject(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	s := requestSignoff(t, env, domain.StrictnessRequired, "a", "b")
	got, err := env.Council.RecordVote(env.Ctx, s.ID, "b", domain.VoteReject, "breaks chapter 4")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SignoffRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if _, err := env.Council.RecordVote(env.Ctx, s.ID, "a", domain.VoteApprove, ""); !errors.Is(err, domain.ErrSignoffClosed) {
		t.Fatalf("expected ErrSignoffClosed, got %v", err)
	}
	if _, err := env.Council.CheckSignoff(env.Ctx, s.ID); !errors.Is(err, domain.ErrSignoffRejected) {
		t.Fatalf("expected ErrSignoffRejected, got %v", err)
	}
	ok, err := env.Council.MayProceed(env.Ctx, s.ID)
	if err != nil || ok {
		t.Fatalf("rejected required signoff must not proceed: %v %v", ok, err)
	}
}

func TestNoneSignoffApprovedImmediately(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	s := requestSignoff(t, env, domain.StrictnessNone)
	if s.Status != domain.SignoffApproved || len(s.Votes) != 0 {
		t.Fatalf("expected approved with no votes, got %s %v", s.Status, s.Votes)
	}
	if _, err := env.Council.CheckSignoff(env.Ctx, s.ID); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestBlockingSignoffGate(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	s := requestSignoff(t, env, domain.StrictnessBlocking, "a")
	if _, err := env.Council.CheckSignoff(env.Ctx, s.ID); !errors.Is(err, domain.ErrSignoffNotResolved) {
		t.Fatalf("expected ErrSignoffNotResolved, got %v", err)
	}
	if ok, _ := env.Council.MayProceed(env.Ctx, s.ID); ok {
		t.Fatalf("pending blocking signoff must hold the change")
	}
	if _, err := env.Council.RecordVote(env.Ctx, s.ID, "a", domain.VoteApprove, ""); err != nil {
		t.Fatal(err)
	}
	if ok, _ := env.Council.MayProceed(env.Ctx, s.ID); !ok {
		t.Fatalf("approved blocking signoff should proceed")
	}

	advisory := requestSignoff(t, env, domain.StrictnessAdvisory, "a")
	if ok, _ := env.Council.MayProceed(env.Ctx, advisory.ID); !ok {
		t.Fatalf("advisory signoff never holds a change")
	}
}

func TestPhaseStrictnessFromPolicy(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	s, err := env.Council.RequestSignoff(env.Ctx, domain.SignoffRequest{
		ProjectID:      "book",
		ChangeType:     "outline",
		Phase:          "publish",
		Title:          "Ship it",
		RequiredAgents: []string{"a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Strictness != domain.StrictnessBlocking {
		t.Fatalf("expected publish phase to be blocking, got %s", s.Strictness)
	}
	if _, err := env.Council.RequestSignoff(env.Ctx, domain.SignoffRequest{
		ProjectID:  "book",
		ChangeType: "outline",
		Title:      "Nobody to ask",
	}); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound without reviewers, got %v", err)
	}
}

func TestReviewerVotesOnRequestedSignoff(t *testing.T) {
	reviewer := mustAgent(agent.NewReviewer("reviewer-1"))
	env := newTestEnv(t, envOptions{Agents: []agent.Agent{reviewer}})
	env.start(t)

	s := requestSignoff(t, env, domain.StrictnessRequired)
	if len(s.RequiredAgents) != 1 || s.RequiredAgents[0] != "reviewer-1" {
		t.Fatalf("expected reviewer-1 to be required, got %v", s.RequiredAgents)
	}
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	got, err := env.Council.AwaitSignoff(ctx, s.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.Status != domain.SignoffApproved || got.Votes["reviewer-1"] != domain.VoteApprove {
		t.Fatalf("unexpected signoff %s %v", got.Status, got.Votes)
	}
	env.waitSpan(t, "council.signoff.resolve")
}

func TestProposalExpiry(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	env := newTestEnv(t, envOptions{Now: clk.Now})
	p, err := env.Council.CreateProposal(env.Ctx, domain.ProposalInput{
		AgentID:    "curator-1",
		ProjectID:  "book",
		ActionType: "content.restructure",
		Title:      "Split chapter 3",
		TTL:        time.Minute,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != domain.ProposalPending || p.ExpiresAt == nil {
		t.Fatalf("unexpected proposal %+v", p)
	}
	pending, err := env.Council.GetPendingProposals(env.Ctx, "book")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending proposal, got %d (%v)", len(pending), err)
	}

	clk.Advance(2 * time.Minute)
	expired, _, err := env.Council.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != p.ID {
		t.Fatalf("expected %s expired, got %v", p.ID, expired)
	}
	if _, err := env.Council.ApproveProposal(env.Ctx, p.ID, "editor"); !errors.Is(err, domain.ErrProposalExpired) {
		t.Fatalf("expected ErrProposalExpired, got %v", err)
	}
	again, _, err := env.Council.SweepExpired(env.Ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep should be a no-op: %v %v", again, err)
	}
}

func TestDecisionAtExpiryInstant(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	env := newTestEnv(t, envOptions{Now: clk.Now})
	p, err := env.Council.CreateProposal(env.Ctx, domain.ProposalInput{
		AgentID:    "curator-1",
		ProjectID:  "book",
		ActionType: "content.restructure",
		Title:      "Merge chapters 5 and 6",
		TTL:        time.Minute,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s, err := env.Council.RequestSignoff(env.Ctx, domain.SignoffRequest{
		ProjectID:      "book",
		ChangeType:     "outline",
		Title:          "Merge chapters 5 and 6",
		RequiredAgents: []string{"a"},
		Strictness:     domain.StrictnessRequired,
		TTL:            time.Minute,
	})
	if err != nil {
		t.Fatalf("request signoff: %v", err)
	}

	clk.Advance(time.Minute)
	proposals, signoffs, err := env.Council.SweepExpired(env.Ctx)
	if err != nil || len(proposals) != 0 || len(signoffs) != 0 {
		t.Fatalf("nothing expires at the expiry instant: %v %v %v", proposals, signoffs, err)
	}
	approved, err := env.Council.ApproveProposal(env.Ctx, p.ID, "editor")
	if err != nil || approved.Status != domain.ProposalApproved {
		t.Fatalf("expected approval at expiry instant, got %v (%v)", approved.Status, err)
	}
	got, err := env.Council.RecordVote(env.Ctx, s.ID, "a", domain.VoteApprove, "")
	if err != nil || got.Status != domain.SignoffApproved {
		t.Fatalf("expected vote at expiry instant to resolve, got %v (%v)", got.Status, err)
	}
}

func TestProposalDecisions(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	auto, err := env.Council.CreateProposal(env.Ctx, domain.ProposalInput{
		AgentID: "harvester-1", ProjectID: "book", ActionType: "state.refresh", Title: "Refresh index",
	})
	if err != nil {
		t.Fatal(err)
	}
	if auto.Status != domain.ProposalAuto {
		t.Fatalf("expected auto-approved proposal, got %s", auto.Status)
	}

	p, err := env.Council.CreateProposal(env.Ctx, domain.ProposalInput{
		AgentID: "curator-1", ProjectID: "book", ActionType: "content.restructure", Title: "Merge chapters",
	})
	if err != nil {
		t.Fatal(err)
	}
	rejected, err := env.Council.RejectProposal(env.Ctx, p.ID, "editor", "too early")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.ProposalRejected || domain.Deref(rejected.DecidedBy) != "editor" {
		t.Fatalf("unexpected decision %s by %v", rejected.Status, rejected.DecidedBy)
	}
	if _, err := env.Council.ApproveProposal(env.Ctx, p.ID, "editor"); !errors.Is(err, domain.ErrProposalClosed) {
		t.Fatalf("expected ErrProposalClosed, got %v", err)
	}
}

func TestProposalQuorum(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if err := env.Council.SetProjectConfig(env.Ctx, domain.ProjectCouncilConfig{
		ProjectID:         "book",
		DefaultStrictness: domain.StrictnessRequired,
		ProposalQuorum:    2,
	}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	p, err := env.Council.CreateProposal(env.Ctx, domain.ProposalInput{
		AgentID: "curator-1", ProjectID: "book", ActionType: "content.restructure", Title: "Reorder",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Council.VoteProposal(env.Ctx, p.ID, "reviewer-1", domain.VoteApprove, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProposalPending {
		t.Fatalf("one vote should not reach quorum, got %s", got.Status)
	}
	// Re-voting replaces the earlier vote.
	if _, err := env.Council.VoteProposal(env.Ctx, p.ID, "reviewer-1", domain.VoteApprove, "still fine"); err != nil {
		t.Fatal(err)
	}
	got, err = env.Council.VoteProposal(env.Ctx, p.ID, "vision-1", domain.VoteApprove, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProposalApproved || domain.Deref(got.DecidedBy) != "quorum" || len(got.Votes) != 2 {
		t.Fatalf("expected quorum approval with 2 votes, got %s %v %d", got.Status, got.DecidedBy, len(got.Votes))
	}
}

func TestSessionReuseAndResume(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	s1, err := env.Council.StartSession(env.Ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := env.Council.StartSession(env.Ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected active session reuse, got %s and %s", s1.ID, s2.ID)
	}
	id, err := env.Council.AssignTask(env.Ctx, draftSpec(""), orchestrator.AssignOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Council.PauseSession(env.Ctx, s1.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, ok, _ := env.Council.GetActiveSession(env.Ctx, "book"); ok {
		t.Fatalf("paused session should not be active")
	}
	s3, err := env.Council.StartSession(env.Ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID != s1.ID || s3.Status != domain.SessionActive {
		t.Fatalf("expected paused session to resume, got %s %s", s3.ID, s3.Status)
	}
	ended, err := env.Council.EndSession(env.Ctx, s1.ID, "first pass done")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	var stats struct {
		Tasks map[domain.TaskStatus]int `json:"tasks"`
	}
	if err := json.Unmarshal(ended.Stats, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Tasks[domain.TaskPending] != 1 {
		t.Fatalf("expected one pending task in stats, got %v", stats.Tasks)
	}
	replay, err := env.Council.SessionReplay(env.Ctx, s1.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay.Tasks) != 1 || replay.Tasks[0].ID != id || len(replay.Log) == 0 {
		t.Fatalf("unexpected replay: %d tasks, %d log rows", len(replay.Tasks), len(replay.Log))
	}
	if _, err := env.Council.EndSession(env.Ctx, s1.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition ending twice, got %v", err)
	}
	s4, err := env.Council.StartSession(env.Ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	if s4.ID == s1.ID {
		t.Fatalf("completed session must not be reused")
	}
}

func TestOnEventDelivers(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	got := make(chan domain.CouncilEvent, 8)
	unsub := env.Council.OnEvent(func(evt domain.CouncilEvent) { got <- evt })
	defer unsub()
	s, err := env.Council.StartSession(env.Ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-got:
		if evt.Type != domain.EventSessionStarted || evt.EntityID != s.ID || evt.ProjectID != "book" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestStatsAndLog(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if _, err := env.Council.StartSession(env.Ctx, "book"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Council.AssignTask(env.Ctx, draftSpec(""), orchestrator.AssignOptions{}); err != nil {
		t.Fatal(err)
	}
	requestSignoff(t, env, domain.StrictnessRequired, "a")
	st, err := env.Council.GetStats(env.Ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Tasks[domain.TaskPending] != 1 || st.PendingSignoffs != 1 || st.ActiveSessions != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	entries, err := env.Council.Log(env.Ctx, repo.LogFilter{ProjectID: "book", EventType: domain.LogSignoff})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.Contains(string(entries[0].Metadata), domain.EventSignoffRequested) {
		t.Fatalf("unexpected signoff log %v", entries)
	}
	if st.LogEntries < 3 {
		t.Fatalf("expected at least 3 log entries, got %d", st.LogEntries)
	}
}
