package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/ashureev/shsh-actions/internal/domain"
	"google.golang.org/genai"
)

// Gemini streams responses from the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
	logger *slog.Logger
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg Config, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini provider requires an API key")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultConfig().Model
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(cfg.Temperature),
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
	if cfg.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}

	return &Gemini{client: client, model: model, config: genCfg, logger: logger}, nil
}

// Generate implements Provider.
func (g *Gemini) Generate(ctx context.Context, conv domain.Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := toContents(conv)
		if len(contents) == 0 {
			yield("", Classify(errors.New("conversation is empty")))
			return
		}

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.config) {
			if err != nil {
				yield("", Classify(err))
				return
			}
			if !yield(resp.Text(), nil) {
				return
			}
		}
	}
}

// Propose implements Proposer.
func (g *Gemini) Propose(ctx context.Context, conv domain.Conversation) (*domain.ActionProposal, error) {
	contents := toContents(conv)
	if len(contents) == 0 {
		return nil, nil
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(proposalInstruction, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, Classify(err)
	}

	proposal, err := parseProposal(resp.Text())
	if err != nil {
		g.logger.Warn("Discarding malformed model proposal", "error", err)
		return nil, err
	}
	return proposal, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

// Close implements Provider.
func (g *Gemini) Close() error { return nil }

func toContents(conv domain.Conversation) []*genai.Content {
	contents := make([]*genai.Content, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		case domain.RoleNote:
			contents = append(contents, genai.NewContentFromText("[note] "+text, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}
	return contents
}
