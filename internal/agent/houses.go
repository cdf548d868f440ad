package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"agentcouncil/internal/bus"
	"agentcouncil/internal/domain"
)

// New builds the stock agent for a house.
func New(house domain.House, id string) (*Base, error) {
	switch house {
	case domain.HouseCurator:
		return NewCurator(id)
	case domain.HouseHarvester:
		return NewHarvester(id)
	case domain.HouseBuilder:
		return NewBuilder(id)
	case domain.HouseReviewer:
		return NewReviewer(id)
	case domain.HouseVision:
		return NewVision(id)
	case domain.HouseVoice:
		return NewVoice(id)
	}
	return nil, fmt.Errorf("unknown house %q", house)
}

// DefaultRoster returns one stock agent per house, id "<house>-1".
func DefaultRoster() ([]Agent, error) {
	var res []Agent
	for _, h := range domain.Houses {
		a, err := New(h, string(h)+"-1")
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func pingHandler(id string, house domain.House) HandlerFunc {
	return func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
		return map[string]any{"agent": id, "house": house, "note": p.(*PingPayload).Note}, nil
	}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func NewCurator(id string) (*Base, error) {
	return NewBase(id, "Curator", domain.HouseCurator, map[MessageType]HandlerFunc{
		MsgPing: pingHandler(id, domain.HouseCurator),
		MsgContentAssess: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*ContentAssessPayload)
			words := wordCount(in.Text)
			res := map[string]any{"content_id": in.ContentID, "words": words}
			if in.RestructureAbove > 0 && words > in.RestructureAbove && env.Council != nil {
				body, _ := json.Marshal(map[string]any{"content_id": in.ContentID, "words": words})
				prop, err := env.Council.CreateProposal(ctx, domain.ProposalInput{
					AgentID:    id,
					ActionType: "content.restructure",
					Title:      fmt.Sprintf("Split %s (%d words)", in.ContentID, words),
					Payload:    body,
					Urgency:    domain.UrgencyNormal,
				})
				if err != nil {
					return nil, fmt.Errorf("raise restructure proposal: %w", err)
				}
				res["proposal_id"] = prop.ID
			}
			return res, nil
		},
	})
}

func NewHarvester(id string) (*Base, error) {
	return NewBase(id, "Harvester", domain.HouseHarvester, map[MessageType]HandlerFunc{
		MsgPing: pingHandler(id, domain.HouseHarvester),
		MsgFormatDiscover: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*FormatDiscoverPayload)
			known := map[string]int{}
			if env.State != nil {
				if _, err := env.State.Get(ctx, "formats", &known); err != nil {
					return nil, err
				}
			}
			found := map[string]int{}
			for _, s := range in.Samples {
				ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(s)), ".")
				if ext == "" {
					ext = "unknown"
				}
				found[ext]++
				known[ext]++
			}
			if env.State != nil {
				if err := env.State.Put(ctx, "formats", known); err != nil {
					return nil, err
				}
			}
			return map[string]any{"source_path": in.SourcePath, "formats": found}, nil
		},
		MsgSourceHarvest: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*SourceHarvestPayload)
			format := in.Format
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(in.SourcePath)), ".")
			}
			if env.State != nil {
				if err := env.State.Put(ctx, "last_harvest", map[string]string{"source_path": in.SourcePath, "format": format}); err != nil {
					return nil, err
				}
			}
			return map[string]any{"source_path": in.SourcePath, "format": format}, nil
		},
	})
}

func NewBuilder(id string) (*Base, error) {
	return NewBase(id, "Builder", domain.HouseBuilder, map[MessageType]HandlerFunc{
		MsgPing: pingHandler(id, domain.HouseBuilder),
		MsgOutlineBuild: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*OutlineBuildPayload)
			n := in.Sections
			if n == 0 {
				n = 3
			}
			sections := make([]string, 0, n)
			for i := 1; i <= n; i++ {
				sections = append(sections, fmt.Sprintf("%s: part %d", in.Topic, i))
			}
			return map[string]any{"topic": in.Topic, "sections": sections}, nil
		},
		MsgChapterDraft: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*ChapterDraftPayload)
			var drafted []string
			if env.State != nil {
				if _, err := env.State.Get(ctx, "drafted", &drafted); err != nil {
					return nil, err
				}
				if !contains(drafted, in.ChapterID) {
					drafted = append(drafted, in.ChapterID)
					sort.Strings(drafted)
					if err := env.State.Put(ctx, "drafted", drafted); err != nil {
						return nil, err
					}
				}
			}
			return map[string]any{"chapter_id": in.ChapterID, "title": in.Title, "sections": len(in.Outline), "status": "drafted"}, nil
		},
	})
}

// NewReviewer votes on signoffs that name it. A signoff whose payload carries
// "flagged": true is rejected, anything else approved.
func NewReviewer(id string) (*Base, error) {
	review := func(ctx context.Context, env Env, signoffID string) (domain.Signoff, error) {
		if env.Council == nil {
			return domain.Signoff{}, fmt.Errorf("reviewer %s has no council", id)
		}
		s, err := env.Council.GetSignoff(ctx, signoffID)
		if err != nil {
			return s, err
		}
		if s.Status != domain.SignoffPending || !contains(s.RequiredAgents, id) {
			return s, nil
		}
		if _, voted := s.Votes[id]; voted {
			return s, nil
		}
		vote, reason := domain.VoteApprove, "no objections"
		var flags struct {
			Flagged bool `json:"flagged"`
		}
		if len(s.Payload) > 0 && json.Unmarshal(s.Payload, &flags) == nil && flags.Flagged {
			vote, reason = domain.VoteReject, "change is flagged"
		}
		return env.Council.RecordVote(ctx, s.ID, id, vote, reason)
	}
	return NewBase(id, "Reviewer", domain.HouseReviewer, map[MessageType]HandlerFunc{
		MsgPing: pingHandler(id, domain.HouseReviewer),
		MsgDraftReview: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*DraftReviewPayload)
			words := wordCount(in.Text)
			verdict := domain.VoteApprove
			if words == 0 {
				verdict = domain.VoteReject
			}
			return map[string]any{"draft_id": in.DraftID, "words": words, "verdict": verdict}, nil
		},
		MsgSignoffReview: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			s, err := review(ctx, env, p.(*SignoffReviewPayload).SignoffID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"signoff_id": s.ID, "status": s.Status, "vote": s.Votes[id]}, nil
		},
	}, OnInit(func(ctx context.Context, b *Base) error {
		return b.Subscribe("council:"+domain.EventSignoffRequested, func(ctx context.Context, msg bus.Message) error {
			var evt domain.CouncilEvent
			if err := msg.Decode(&evt); err != nil {
				return err
			}
			_, err := review(ctx, b.Env(), evt.EntityID)
			return err
		})
	}))
}

func NewVision(id string) (*Base, error) {
	return NewBase(id, "Vision", domain.HouseVision, map[MessageType]HandlerFunc{
		MsgPing: pingHandler(id, domain.HouseVision),
		MsgImageAnalyze: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*ImageAnalyzePayload)
			var seen int
			if env.State != nil {
				if _, err := env.State.Get(ctx, "images_seen", &seen); err != nil {
					return nil, err
				}
				seen++
				if err := env.State.Put(ctx, "images_seen", seen); err != nil {
					return nil, err
				}
			}
			return map[string]any{"image_path": in.ImagePath, "format": strings.TrimPrefix(filepath.Ext(in.ImagePath), "."), "images_seen": seen}, nil
		},
	})
}

func NewVoice(id string) (*Base, error) {
	return NewBase(id, "Voice", domain.HouseVoice, map[MessageType]HandlerFunc{
		MsgPing: pingHandler(id, domain.HouseVoice),
		MsgVoiceExtract: func(ctx context.Context, env Env, msg bus.Message, p Payload) (any, error) {
			in := p.(*VoiceExtractPayload)
			var words, sentences int
			for _, s := range in.Samples {
				words += wordCount(s)
				n := strings.Count(s, ".") + strings.Count(s, "!") + strings.Count(s, "?")
				if n == 0 {
					n = 1
				}
				sentences += n
			}
			profile := map[string]any{"samples": len(in.Samples), "avg_sentence_words": float64(words) / float64(sentences)}
			if env.State != nil {
				if err := env.State.Put(ctx, "voice_profile", profile); err != nil {
					return nil, err
				}
			}
			return profile, nil
		},
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
