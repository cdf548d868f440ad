package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"agentcouncil/internal/domain"
)

// MessageType is the closed set of requests an agent can be asked to handle.
// Task types share the same namespace.
type MessageType string

const (
	MsgPing           MessageType = "ping"
	MsgContentAssess  MessageType = "content.assess"
	MsgFormatDiscover MessageType = "format.discover"
	MsgSourceHarvest  MessageType = "source.harvest"
	MsgOutlineBuild   MessageType = "outline.build"
	MsgChapterDraft   MessageType = "chapter.draft"
	MsgDraftReview    MessageType = "draft.review"
	MsgSignoffReview  MessageType = "signoff.review"
	MsgImageAnalyze   MessageType = "image.analyze"
	MsgVoiceExtract   MessageType = "voice.extract"
)

var houseMessages = map[domain.House][]MessageType{
	domain.HouseCurator:   {MsgPing, MsgContentAssess},
	domain.HouseHarvester: {MsgPing, MsgFormatDiscover, MsgSourceHarvest},
	domain.HouseBuilder:   {MsgPing, MsgOutlineBuild, MsgChapterDraft},
	domain.HouseReviewer:  {MsgPing, MsgDraftReview, MsgSignoffReview},
	domain.HouseVision:    {MsgPing, MsgImageAnalyze},
	domain.HouseVoice:     {MsgPing, MsgVoiceExtract},
}

// MessagesFor returns the message types a house must handle.
func MessagesFor(h domain.House) []MessageType {
	return append([]MessageType(nil), houseMessages[h]...)
}

// Route names the houses that handle a message type.
type Route struct {
	Type   MessageType    `json:"type"`
	Houses []domain.House `json:"houses"`
}

// Routing returns the catalog sorted by type.
func Routing() []Route {
	byType := make(map[MessageType][]domain.House)
	for _, h := range domain.Houses {
		for _, t := range houseMessages[h] {
			byType[t] = append(byType[t], h)
		}
	}
	res := make([]Route, 0, len(payloadFactories))
	for t := range payloadFactories {
		res = append(res, Route{Type: t, Houses: byType[t]})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Type < res[j].Type })
	return res
}

// Payload is the decoded, validated body of a message.
type Payload interface {
	Validate() error
}

var payloadFactories = map[MessageType]func() Payload{
	MsgPing:           func() Payload { return &PingPayload{} },
	MsgContentAssess:  func() Payload { return &ContentAssessPayload{} },
	MsgFormatDiscover: func() Payload { return &FormatDiscoverPayload{} },
	MsgSourceHarvest:  func() Payload { return &SourceHarvestPayload{} },
	MsgOutlineBuild:   func() Payload { return &OutlineBuildPayload{} },
	MsgChapterDraft:   func() Payload { return &ChapterDraftPayload{} },
	MsgDraftReview:    func() Payload { return &DraftReviewPayload{} },
	MsgSignoffReview:  func() Payload { return &SignoffReviewPayload{} },
	MsgImageAnalyze:   func() Payload { return &ImageAnalyzePayload{} },
	MsgVoiceExtract:   func() Payload { return &VoiceExtractPayload{} },
}

// Known reports whether t belongs to the message catalog.
func Known(t MessageType) bool {
	_, ok := payloadFactories[t]
	return ok
}

// DecodePayload turns an opaque JSON body into the typed payload for t.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownMessageType, t)
	}
	p := factory()
	if len(raw) > 0 && string(raw) != "null" {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, t, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, t, err)
	}
	return p, nil
}

type PingPayload struct {
	Note string `json:"note,omitempty"`
}

func (PingPayload) Validate() error { return nil }

type ContentAssessPayload struct {
	ContentID string `json:"content_id"`
	Text      string `json:"text"`
	// RestructureAbove raises a restructure proposal when the word count
	// exceeds it. Zero disables proposals.
	RestructureAbove int `json:"restructure_above,omitempty"`
}

func (p ContentAssessPayload) Validate() error {
	if strings.TrimSpace(p.ContentID) == "" {
		return fmt.Errorf("content_id required")
	}
	return nil
}

type FormatDiscoverPayload struct {
	SourcePath string   `json:"source_path"`
	Samples    []string `json:"samples,omitempty"`
}

func (p FormatDiscoverPayload) Validate() error {
	if strings.TrimSpace(p.SourcePath) == "" {
		return fmt.Errorf("source_path required")
	}
	return nil
}

type SourceHarvestPayload struct {
	SourcePath string `json:"source_path"`
	Format     string `json:"format,omitempty"`
}

func (p SourceHarvestPayload) Validate() error {
	if strings.TrimSpace(p.SourcePath) == "" {
		return fmt.Errorf("source_path required")
	}
	return nil
}

type OutlineBuildPayload struct {
	Topic    string `json:"topic"`
	Sections int    `json:"sections"`
}

func (p OutlineBuildPayload) Validate() error {
	if strings.TrimSpace(p.Topic) == "" {
		return fmt.Errorf("topic required")
	}
	if p.Sections < 0 || p.Sections > 100 {
		return fmt.Errorf("sections must be within 0..100")
	}
	return nil
}

type ChapterDraftPayload struct {
	ChapterID string   `json:"chapter_id"`
	Title     string   `json:"title"`
	Outline   []string `json:"outline,omitempty"`
}

func (p ChapterDraftPayload) Validate() error {
	if strings.TrimSpace(p.ChapterID) == "" {
		return fmt.Errorf("chapter_id required")
	}
	return nil
}

type DraftReviewPayload struct {
	DraftID string `json:"draft_id"`
	Text    string `json:"text"`
}

func (p DraftReviewPayload) Validate() error {
	if strings.TrimSpace(p.DraftID) == "" {
		return fmt.Errorf("draft_id required")
	}
	return nil
}

type SignoffReviewPayload struct {
	SignoffID string `json:"signoff_id"`
}

func (p SignoffReviewPayload) Validate() error {
	if strings.TrimSpace(p.SignoffID) == "" {
		return fmt.Errorf("signoff_id required")
	}
	return nil
}

type ImageAnalyzePayload struct {
	ImagePath string `json:"image_path"`
	Prompt    string `json:"prompt,omitempty"`
}

func (p ImageAnalyzePayload) Validate() error {
	if strings.TrimSpace(p.ImagePath) == "" {
		return fmt.Errorf("image_path required")
	}
	return nil
}

type VoiceExtractPayload struct {
	Samples []string `json:"samples"`
}

func (p VoiceExtractPayload) Validate() error {
	if len(p.Samples) == 0 {
		return fmt.Errorf("at least one sample required")
	}
	return nil
}
