package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/bus"
	"agentcouncil/internal/domain"
)

type memState struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemState() *memState { return &memState{data: map[string][]byte{}} }

func (m *memState) Get(ctx context.Context, key string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m *memState) Put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *memState) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memState) All(ctx context.Context) ([]domain.AgentState, error) { return nil, nil }

func noop(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
	return nil, nil
}

func TestDispatchTableRejectsForeignType(t *testing.T) {
	_, err := agent.NewDispatchTable(domain.HouseVision, map[agent.MessageType]agent.HandlerFunc{
		agent.MsgPing:         noop,
		agent.MsgImageAnalyze: noop,
		agent.MsgChapterDraft: noop,
	})
	if !errors.Is(err, domain.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDispatchTableRequiresEveryHouseType(t *testing.T) {
	_, err := agent.NewDispatchTable(domain.HouseHarvester, map[agent.MessageType]agent.HandlerFunc{
		agent.MsgPing:           noop,
		agent.MsgFormatDiscover: noop,
	})
	if err == nil {
		t.Fatalf("expected missing handler error")
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := agent.DecodePayload(agent.MsgChapterDraft, json.RawMessage(`{"chapter_id":"ch-1","title":"Intro"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.(*agent.ChapterDraftPayload).ChapterID != "ch-1" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if _, err := agent.DecodePayload("nope", nil); !errors.Is(err, domain.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if _, err := agent.DecodePayload(agent.MsgChapterDraft, json.RawMessage(`{"title":"x"}`)); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for missing chapter_id, got %v", err)
	}
	if _, err := agent.DecodePayload(agent.MsgChapterDraft, json.RawMessage(`{"chapter_id":"a","extra":1}`)); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for unknown field, got %v", err)
	}
	if _, err := agent.DecodePayload(agent.MsgPing, nil); err != nil {
		t.Fatalf("ping with empty payload: %v", err)
	}
}

func TestDefaultRosterCoversEveryHouse(t *testing.T) {
	roster, err := agent.DefaultRoster()
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != len(domain.Houses) {
		t.Fatalf("expected %d agents, got %d", len(domain.Houses), len(roster))
	}
	for _, a := range roster {
		caps := a.Capabilities()
		if len(caps) == 0 || caps[0] != agent.MsgPing {
			t.Fatalf("%s capabilities should start with ping: %v", a.ID(), caps)
		}
	}
}

func TestHandleMessageBeforeInitialize(t *testing.T) {
	a, err := agent.NewBuilder("builder-1")
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	_, err = a.HandleMessage(context.Background(), bus.Message{Type: string(agent.MsgPing)})
	if !errors.Is(err, domain.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
}

func TestHarvesterAccumulatesFormats(t *testing.T) {
	ctx := context.Background()
	a, err := agent.NewHarvester("harvester-1")
	if err != nil {
		t.Fatalf("new harvester: %v", err)
	}
	state := newMemState()
	if err := a.Initialize(ctx, agent.Env{State: state}); err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := 0; i < 2; i++ {
		_, err := a.HandleMessage(ctx, bus.Message{
			Type:    string(agent.MsgFormatDiscover),
			Payload: json.RawMessage(`{"source_path":"/in","samples":["a.PDF","b.epub","c"]}`),
		})
		if err != nil {
			t.Fatalf("discover: %v", err)
		}
	}
	var formats map[string]int
	if ok, err := state.Get(ctx, "formats", &formats); err != nil || !ok {
		t.Fatalf("formats not stored: ok=%v err=%v", ok, err)
	}
	if formats["pdf"] != 2 || formats["epub"] != 2 || formats["unknown"] != 2 {
		t.Fatalf("unexpected formats %v", formats)
	}
}

func TestHandleMessageRejectsTypeOutsideHouse(t *testing.T) {
	ctx := context.Background()
	a, err := agent.NewVoice("voice-1")
	if err != nil {
		t.Fatalf("new voice: %v", err)
	}
	if err := a.Initialize(ctx, agent.Env{State: newMemState()}); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, err = a.HandleMessage(ctx, bus.Message{Type: string(agent.MsgChapterDraft), Payload: json.RawMessage(`{"chapter_id":"x"}`)})
	if !errors.Is(err, domain.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

type fakeCouncil struct {
	mu       sync.Mutex
	signoff  domain.Signoff
	votes    map[string]domain.Vote
	proposal []domain.ProposalInput
}

func (f *fakeCouncil) CreateProposal(ctx context.Context, in domain.ProposalInput) (domain.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposal = append(f.proposal, in)
	return domain.Proposal{ID: "p-1", AgentID: in.AgentID, ActionType: in.ActionType}, nil
}

func (f *fakeCouncil) GetSignoff(ctx context.Context, id string) (domain.Signoff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signoff, nil
}

func (f *fakeCouncil) RecordVote(ctx context.Context, signoffID, agentID string, vote domain.Vote, reason string) (domain.Signoff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.votes == nil {
		f.votes = map[string]domain.Vote{}
	}
	f.votes[agentID] = vote
	f.signoff.Votes = map[string]domain.Vote{agentID: vote}
	return f.signoff, nil
}

func TestReviewerVotesOnFlaggedSignoff(t *testing.T) {
	ctx := context.Background()
	council := &fakeCouncil{signoff: domain.Signoff{
		ID:             "s-1",
		Status:         domain.SignoffPending,
		RequiredAgents: []string{"reviewer-1"},
		Votes:          map[string]domain.Vote{},
		Payload:        json.RawMessage(`{"flagged":true}`),
	}}
	b := bus.New(bus.Options{})
	defer b.Close()
	a, err := agent.NewReviewer("reviewer-1")
	if err != nil {
		t.Fatalf("new reviewer: %v", err)
	}
	if err := a.Initialize(ctx, agent.Env{Bus: b, Council: council, State: newMemState()}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer a.Shutdown(ctx)

	out, err := a.HandleMessage(ctx, bus.Message{Type: string(agent.MsgSignoffReview), Payload: json.RawMessage(`{"signoff_id":"s-1"}`)})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	var res struct {
		Vote domain.Vote `json:"vote"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Vote != domain.VoteReject {
		t.Fatalf("expected reject vote, got %q", res.Vote)
	}
}

func TestCuratorRaisesProposalForLongContent(t *testing.T) {
	ctx := context.Background()
	council := &fakeCouncil{}
	a, err := agent.NewCurator("curator-1")
	if err != nil {
		t.Fatalf("new curator: %v", err)
	}
	if err := a.Initialize(ctx, agent.Env{Council: council, State: newMemState()}); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, err = a.HandleMessage(ctx, bus.Message{
		Type:    string(agent.MsgContentAssess),
		Payload: json.RawMessage(`{"content_id":"ch-2","text":"one two three four","restructure_above":2}`),
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(council.proposal) != 1 || council.proposal[0].ActionType != "content.restructure" {
		t.Fatalf("expected one restructure proposal, got %+v", council.proposal)
	}
}

func TestRoutingListsEveryType(t *testing.T) {
	routes := agent.Routing()
	seen := map[agent.MessageType][]domain.House{}
	for i, r := range routes {
		if i > 0 && routes[i-1].Type >= r.Type {
			t.Fatalf("routes not sorted at %d: %s after %s", i, r.Type, routes[i-1].Type)
		}
		if !agent.Known(r.Type) {
			t.Fatalf("unknown type %s in routing", r.Type)
		}
		seen[r.Type] = r.Houses
	}
	if len(seen[agent.MsgPing]) != len(domain.Houses) {
		t.Fatalf("ping should route to every house, got %v", seen[agent.MsgPing])
	}
	if h := seen[agent.MsgChapterDraft]; len(h) != 1 || h[0] != domain.HouseBuilder {
		t.Fatalf("chapter.draft should route to builder only, got %v", h)
	}
}
