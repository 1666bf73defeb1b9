package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sophia-care/sophia/internal/api"
	"github.com/sophia-care/sophia/internal/config"
	"github.com/sophia-care/sophia/internal/genai"
	"github.com/sophia-care/sophia/internal/messaging"
	"github.com/sophia-care/sophia/internal/persona"
	"github.com/sophia-care/sophia/internal/retrieval"
	"github.com/sophia-care/sophia/internal/safety"
	"github.com/sophia-care/sophia/internal/session"
	"github.com/sophia-care/sophia/internal/store"
	"github.com/sophia-care/sophia/internal/twiliowhatsapp"
	"github.com/sophia-care/sophia/internal/whatsapp"
)

// newLLM builds the completion client from the configuration.
func newLLM(cfg config.Config) (*genai.Client, error) {
	client, err := genai.NewClient(
		genai.WithAPIKey(cfg.LLM.APIKey),
		genai.WithBaseURL(cfg.LLM.BaseURL),
		genai.WithModel(cfg.LLM.Model),
		genai.WithEmbeddingModel(cfg.RAG.EmbeddingModel),
		genai.WithTemperature(cfg.LLM.Temperature),
		genai.WithMaxTokens(cfg.LLM.MaxTokens),
		genai.WithTimeout(cfg.LLM.Timeout),
		genai.WithRetries(cfg.LLM.Retries),
		genai.WithBackoff(cfg.LLM.Backoff),
		genai.WithMaxOutputChars(cfg.LLM.MaxOutputChars),
		genai.WithDebugMode(cfg.LLM.Debug, cfg.StateDir),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return client, nil
}

// newRetriever returns nil when no vector store is configured; a nil
// *retrieval.Client behaves as disabled retrieval.
func newRetriever(cfg config.Config, embedder retrieval.Embedder) (*retrieval.Client, error) {
	if !cfg.RAG.Enabled() {
		slog.Info("newRetriever: no vector store configured, retrieval disabled")
		return nil, nil
	}
	opts := []retrieval.ChromaOption{
		retrieval.WithBaseURL(cfg.RAG.URL),
		retrieval.WithAPIKey(cfg.RAG.APIKey),
		retrieval.WithTenant(cfg.RAG.Tenant),
		retrieval.WithDatabase(cfg.RAG.Database),
		retrieval.WithCollection(cfg.RAG.Collection),
	}
	if embedder != nil {
		opts = append(opts, retrieval.WithEmbedder(embedder))
	}
	searcher, err := retrieval.NewChromaSearcher(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to configure vector store: %w", err)
	}
	return retrieval.NewClient(searcher,
		retrieval.WithTimeout(cfg.RAG.Timeout),
		retrieval.WithSeverityThreshold(cfg.RAG.SeverityThreshold),
	), nil
}

func newGate(cfg config.Config) *retrieval.Gate {
	return retrieval.NewGate(cfg.RAG.Keywords, retrieval.DefaultGreetings, cfg.RAG.MinWords)
}

// buildMachine assembles the conversation state machine and its collaborators.
func buildMachine(cfg config.Config, sessions store.SessionStore) (*session.Machine, *persona.Catalog, error) {
	llm, err := newLLM(cfg)
	if err != nil {
		return nil, nil, err
	}

	catalog := persona.NewCatalog()
	if cfg.PersonaFile != "" {
		if err := catalog.LoadFile(cfg.PersonaFile); err != nil {
			return nil, nil, fmt.Errorf("failed to load personas: %w", err)
		}
	}

	classifier, err := safety.NewClassifier(cfg.DangerExtraPatterns...)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid DANGER_EXTRA_PATTERNS: %w", err)
	}

	var embedder retrieval.Embedder
	if cfg.RAG.EmbeddingModel != "" {
		embedder = llm
	}
	retriever, err := newRetriever(cfg, embedder)
	if err != nil {
		return nil, nil, err
	}

	machine := session.NewMachine(sessions, llm,
		session.WithRetriever(retriever),
		session.WithGate(newGate(cfg)),
		session.WithDangerDetector(classifier),
		session.WithPersonas(catalog),
		session.WithAskChoice(cfg.AskChoice),
		session.WithEmergencyTimeout(cfg.EmergencyTimeout),
		session.WithOperatorID(cfg.OperatorID),
		session.WithMaxStoredHistory(cfg.MaxStoredHistory),
		session.WithMaxTurns(cfg.MaxHistoryTurns),
		session.WithTopK(cfg.RAG.TopK),
	)
	slog.Info("buildMachine: conversation engine ready",
		"model", cfg.LLM.Model,
		"rag_enabled", retriever.Enabled(),
		"personas", len(catalog.IDs()),
		"ask_choice", cfg.AskChoice)
	return machine, catalog, nil
}

// transport is a messaging service plus its optional inbound webhook and
// the cleanup of the underlying client.
type transport struct {
	svc     messaging.Service
	webhook api.InboundHandler
	close   func()
}

// buildTransport connects the configured transport.
func (c *cli) buildTransport(ctx context.Context) (transport, error) {
	cfg := c.cfg
	switch cfg.Transport {
	case config.TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(cfg.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(cfg.Twilio.From),
		)
		if err != nil {
			return transport{}, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return transport{svc: svc, webhook: svc, close: func() {}}, nil
	case config.TransportConsole:
		return transport{svc: messaging.NewConsoleService(c.stdin, c.stdout), close: func() {}}, nil
	default:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if cfg.QRPath != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QRPath))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return transport{}, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return transport{svc: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	}
}
