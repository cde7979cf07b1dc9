package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/yungbote/ragmind-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

const (
	fieldSegID   = "seg_id"
	fieldDocID   = "doc_id"
	fieldSegType = "seg_type"
	fieldPageIdx = "seg_page_idx"
	fieldVector  = "seg_dense_vector"
)

// Record is one indexable segment's dense representation.
type Record struct {
	SegID   string
	DocID   string
	SegType string
	PageIdx int
	Vector  []float32
}

// Hit is a search result before hydration from the metadata store.
type Hit struct {
	SegID string
	Score float64
}

// Store is the dense retrieval side of the index. Rows here are derived
// from MySQL and can always be rebuilt; deletes are idempotent.
type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, k int, allowedDocIDs []string) ([]Hit, error)
	DeleteByDoc(ctx context.Context, docID string) error
	DeleteBySegIDs(ctx context.Context, segIDs []string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type Config struct {
	Address    string
	Username   string
	Password   string
	DBName     string
	Collection string
	VectorDim  int
	Metric     string
	// NList > 0 switches the vector index from FLAT to IVF_FLAT.
	NList  int
	NProbe int
}

type store struct {
	log *logger.Logger
	cfg Config
	cli *milvusclient.Client
}

func New(ctx context.Context, log *logger.Logger, cfg Config) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("missing Milvus address")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		cfg.Collection = "rag_flat"
	}
	if cfg.VectorDim <= 0 {
		cfg.VectorDim = 1024
	}
	if strings.TrimSpace(cfg.Metric) == "" {
		cfg.Metric = "IP"
	}

	cli, err := milvusclient.New(ctxutil.Default(ctx), &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.DBName,
	})
	if err != nil {
		return nil, fmt.Errorf("milvus connect %s: %w", cfg.Address, err)
	}

	return &store{
		log: log.With("client", "MilvusStore", "collection", cfg.Collection),
		cfg: cfg,
		cli: cli,
	}, nil
}

func (s *store) metricType() entity.MetricType {
	switch strings.ToUpper(strings.TrimSpace(s.cfg.Metric)) {
	case "COSINE":
		return entity.COSINE
	case "L2":
		return entity.L2
	default:
		return entity.IP
	}
}

// EnsureCollection creates the collection, vector index and load state if
// they do not exist yet. Safe to run on every startup.
func (s *store) EnsureCollection(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)

	has, err := s.cli.HasCollection(ctx, milvusclient.NewHasCollectionOption(s.cfg.Collection))
	if err != nil {
		return fmt.Errorf("milvus has_collection: %w", err)
	}

	if !has {
		schema := entity.NewSchema().
			WithName(s.cfg.Collection).
			WithField(entity.NewField().
				WithName(fieldSegID).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(128).
				WithIsPrimaryKey(true)).
			WithField(entity.NewField().
				WithName(fieldDocID).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(64)).
			WithField(entity.NewField().
				WithName(fieldSegType).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(32)).
			WithField(entity.NewField().
				WithName(fieldPageIdx).
				WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().
				WithName(fieldVector).
				WithDataType(entity.FieldTypeFloatVector).
				WithDim(int64(s.cfg.VectorDim)))

		if err := s.cli.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(s.cfg.Collection, schema)); err != nil {
			return fmt.Errorf("milvus create_collection: %w", err)
		}

		var vecIndex index.Index
		if s.cfg.NList > 0 {
			vecIndex = index.NewIvfFlatIndex(s.metricType(), s.cfg.NList)
		} else {
			vecIndex = index.NewFlatIndex(s.metricType())
		}
		idxTask, err := s.cli.CreateIndex(ctx, milvusclient.NewCreateIndexOption(s.cfg.Collection, fieldVector, vecIndex))
		if err != nil {
			return fmt.Errorf("milvus create_index: %w", err)
		}
		if err := idxTask.Await(ctx); err != nil {
			return fmt.Errorf("milvus create_index await: %w", err)
		}

		s.log.Info("Created vector collection", "dim", s.cfg.VectorDim, "metric", string(s.metricType()))
	}

	loadTask, err := s.cli.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(s.cfg.Collection))
	if err != nil {
		return fmt.Errorf("milvus load_collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("milvus load_collection await: %w", err)
	}
	return nil
}

// Upsert writes records keyed by seg_id, so re-running a vectorize stage
// overwrites instead of duplicating.
func (s *store) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx = ctxutil.Default(ctx)

	segIDs := make([]string, len(records))
	docIDs := make([]string, len(records))
	segTypes := make([]string, len(records))
	pageIdxs := make([]int64, len(records))
	vectors := make([][]float32, len(records))
	for i, r := range records {
		if len(r.Vector) != s.cfg.VectorDim {
			return fmt.Errorf("record %s: vector dim %d, collection wants %d", r.SegID, len(r.Vector), s.cfg.VectorDim)
		}
		segIDs[i] = r.SegID
		docIDs[i] = r.DocID
		segTypes[i] = r.SegType
		pageIdxs[i] = int64(r.PageIdx)
		vectors[i] = r.Vector
	}

	_, err := s.cli.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(s.cfg.Collection,
		column.NewColumnVarChar(fieldSegID, segIDs),
		column.NewColumnVarChar(fieldDocID, docIDs),
		column.NewColumnVarChar(fieldSegType, segTypes),
		column.NewColumnInt64(fieldPageIdx, pageIdxs),
		column.NewColumnFloatVector(fieldVector, s.cfg.VectorDim, vectors),
	))
	if err != nil {
		return fmt.Errorf("milvus upsert %d records: %w", len(records), err)
	}
	return nil
}

// Search returns up to k hits ordered by similarity. An empty allowedDocIDs
// searches the whole collection; permission short-circuiting happens in the
// retrieval service, which never calls this with an empty allowed set on a
// user path.
func (s *store) Search(ctx context.Context, vector []float32, k int, allowedDocIDs []string) ([]Hit, error) {
	if len(vector) != s.cfg.VectorDim {
		return nil, fmt.Errorf("query vector dim %d, collection wants %d", len(vector), s.cfg.VectorDim)
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	ctx = ctxutil.Default(ctx)

	opt := milvusclient.NewSearchOption(s.cfg.Collection, k, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(fieldVector).
		WithOutputFields(fieldSegID, fieldDocID).
		WithConsistencyLevel(entity.ClStrong)
	if len(allowedDocIDs) > 0 {
		opt = opt.WithFilter(inExpr(fieldDocID, allowedDocIDs))
	}
	if s.cfg.NList > 0 && s.cfg.NProbe > 0 {
		opt = opt.WithAnnParam(index.NewIvfAnnParam(s.cfg.NProbe))
	}

	results, err := s.cli.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	hits := make([]Hit, 0, k)
	for _, rs := range results {
		for i := 0; i < rs.ResultCount; i++ {
			id, err := rs.IDs.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("milvus search result %d: %w", i, err)
			}
			hits = append(hits, Hit{SegID: id, Score: float64(rs.Scores[i])})
		}
	}
	return hits, nil
}

func (s *store) DeleteByDoc(ctx context.Context, docID string) error {
	if strings.TrimSpace(docID) == "" {
		return fmt.Errorf("docID required")
	}
	ctx = ctxutil.Default(ctx)

	_, err := s.cli.Delete(ctx, milvusclient.NewDeleteOption(s.cfg.Collection).
		WithExpr(fmt.Sprintf("%s == %s", fieldDocID, quoteExpr(docID))))
	if err != nil {
		return fmt.Errorf("milvus delete doc %s: %w", docID, err)
	}
	return nil
}

func (s *store) DeleteBySegIDs(ctx context.Context, segIDs []string) error {
	if len(segIDs) == 0 {
		return nil
	}
	ctx = ctxutil.Default(ctx)

	_, err := s.cli.Delete(ctx, milvusclient.NewDeleteOption(s.cfg.Collection).
		WithExpr(inExpr(fieldSegID, segIDs)))
	if err != nil {
		return fmt.Errorf("milvus delete %d segments: %w", len(segIDs), err)
	}
	return nil
}

func (s *store) Ping(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)
	if _, err := s.cli.HasCollection(ctx, milvusclient.NewHasCollectionOption(s.cfg.Collection)); err != nil {
		return fmt.Errorf("milvus ping: %w", err)
	}
	return nil
}

func (s *store) Close(ctx context.Context) error {
	return s.cli.Close(ctxutil.Default(ctx))
}

func quoteExpr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func inExpr(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quoteExpr(v)
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}
