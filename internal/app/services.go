package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/ingestion"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/prompts"
	"github.com/yungbote/ragmind-backend/internal/rag"
	"github.com/yungbote/ragmind-backend/internal/retrieval"
	"github.com/yungbote/ragmind-backend/internal/services"
)

type Services struct {
	Prompts   *prompts.Registry
	Documents services.DocumentService
	Retriever retrieval.Retriever
	RAG       rag.Orchestrator
	Pipeline  *ingestion.Pipeline
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos, c Clients) (Services, error) {
	log.Info("Wiring services...")

	reg, err := prompts.Load(log)
	if err != nil {
		return Services{}, fmt.Errorf("load prompts: %w", err)
	}

	documents, err := services.NewDocumentService(
		db, log, cfg.Document,
		r.Docs, r.Segments, r.Perms,
		c.Vectors, c.Lexical, c.Publisher,
	)
	if err != nil {
		return Services{}, fmt.Errorf("init document service: %w", err)
	}

	retriever, err := retrieval.New(
		log, cfg.Retrieval,
		r.Docs, r.Perms, r.Segments,
		c.Gateway, c.Vectors, c.Lexical,
	)
	if err != nil {
		return Services{}, fmt.Errorf("init retriever: %w", err)
	}

	orchestrator, err := rag.New(log, cfg.RAG, r.Chats, retriever, c.Gateway, reg, c.Cache)
	if err != nil {
		return Services{}, fmt.Errorf("init rag orchestrator: %w", err)
	}

	merger := ingestion.NewMerger(log, c.Gateway, reg, cfg.Merger)
	chunker := ingestion.NewChunker(log, cfg.Chunker)
	pipeline, err := ingestion.NewPipeline(log, cfg.Pipeline, ingestion.Deps{
		Docs:      r.Docs,
		Pages:     r.Pages,
		Segments:  r.Segments,
		Converter: c.Converter,
		Parser:    c.Parser,
		Gateway:   c.Gateway,
		Vectors:   c.Vectors,
		Lexical:   c.Lexical,
		Notifier:  c.Notifier,
		Publisher: c.Publisher,
	}, merger, chunker)
	if err != nil {
		return Services{}, fmt.Errorf("init ingestion pipeline: %w", err)
	}

	return Services{
		Prompts:   reg,
		Documents: documents,
		Retriever: retriever,
		RAG:       orchestrator,
		Pipeline:  pipeline,
	}, nil
}
