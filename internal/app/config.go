package app

import (
	"time"

	"github.com/yungbote/ragmind-backend/internal/clients/bucket"
	"github.com/yungbote/ragmind-backend/internal/clients/convert"
	"github.com/yungbote/ragmind-backend/internal/clients/docparse"
	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/clients/redis"
	"github.com/yungbote/ragmind-backend/internal/clients/statussync"
	"github.com/yungbote/ragmind-backend/internal/ingestion"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/rag"
	"github.com/yungbote/ragmind-backend/internal/retrieval"
	"github.com/yungbote/ragmind-backend/internal/services"
	"github.com/yungbote/ragmind-backend/internal/utils"
)

// LexicalConfig selects and parameterizes the lexical store. Provider is the
// raw LEXICAL_PROVIDER value; wireClients resolves and validates it.
type LexicalConfig struct {
	Provider  string
	Elastic   elastic.Config
	BlevePath string
}

type Config struct {
	Port     string
	DataRoot string

	Document services.DocumentConfig

	Milvus  milvus.Config
	Lexical LexicalConfig
	Convert convert.Config
	Parse   docparse.Config
	Status  statussync.Config
	Redis   redis.Config
	Bucket  bucket.Config

	Pipeline ingestion.PipelineConfig
	Merger   ingestion.MergerConfig
	Chunker  ingestion.ChunkerConfig

	Retrieval retrieval.Config
	RAG       rag.Config
}

func LoadConfig(log *logger.Logger) Config {
	dataRoot := utils.GetEnv("DATA_ROOT", "./data", log)
	permissionType := utils.GetEnv("PERMISSION_TYPE", "dept", log)

	return Config{
		Port:     utils.GetEnv("PORT", "8080", log),
		DataRoot: dataRoot,

		Document: services.DocumentConfig{
			DataRoot:        dataRoot,
			FileMaxSize:     int64(utils.GetEnvAsInt("FILE_MAX_SIZE", 50<<20, log)),
			DownloadTimeout: utils.GetEnvAsDuration("DOWNLOAD_TIMEOUT", 2*time.Minute, log),
			PermissionType:  permissionType,
		},

		Milvus: milvus.Config{
			Address:    utils.GetEnv("MILVUS_ADDRESS", "localhost:19530", log),
			Username:   utils.GetEnv("MILVUS_USERNAME", "", log),
			Password:   utils.GetEnv("MILVUS_PASSWORD", "", log),
			DBName:     utils.GetEnv("MILVUS_DB_NAME", "", log),
			Collection: utils.GetEnv("MILVUS_COLLECTION", "rag_flat", log),
			VectorDim:  utils.GetEnvAsInt("MILVUS_VECTOR_DIM", 1024, log),
			Metric:     utils.GetEnv("MILVUS_METRIC", "IP", log),
			NList:      utils.GetEnvAsInt("MILVUS_NLIST", 0, log),
			NProbe:     utils.GetEnvAsInt("MILVUS_NPROBE", 0, log),
		},

		Lexical: LexicalConfig{
			Provider: utils.GetEnv("LEXICAL_PROVIDER", "elastic", log),
			Elastic: elastic.Config{
				URL:      utils.GetEnv("ES_URL", "http://localhost:9200", log),
				Username: utils.GetEnv("ES_USERNAME", "", log),
				Password: utils.GetEnv("ES_PASSWORD", "", log),
				Index:    utils.GetEnv("ES_INDEX", "rag_segments", log),
				Timeout:  utils.GetEnvAsDuration("ES_TIMEOUT", 30*time.Second, log),
			},
			BlevePath: utils.GetEnv("BLEVE_PATH", "", log),
		},

		Convert: convert.Config{
			URL:     utils.GetEnv("CONVERTER_URL", "http://localhost:8100", log),
			Timeout: utils.GetEnvAsDuration("CONVERTER_TIMEOUT", 2*time.Minute, log),
		},
		Parse: docparse.Config{
			URL:     utils.GetEnv("PARSER_URL", "http://localhost:8200", log),
			Timeout: utils.GetEnvAsDuration("PARSER_TIMEOUT", 10*time.Minute, log),
		},

		Status: statussync.Config{
			Enabled:       utils.GetEnvAsBool("STATUS_SYNC_ENABLED", true, log),
			DefaultURL:    utils.GetEnv("STATUS_SYNC_DEFAULT_CALLBACK_URL", "", log),
			Timeout:       utils.GetEnvAsDuration("STATUS_SYNC_TIMEOUT", 10*time.Second, log),
			RetryAttempts: utils.GetEnvAsInt("STATUS_SYNC_RETRY_ATTEMPTS", 3, log),
			RetryDelay:    utils.GetEnvAsDuration("STATUS_SYNC_RETRY_DELAY", time.Second, log),
			QueueSize:     utils.GetEnvAsInt("STATUS_SYNC_QUEUE", 256, log),
			Workers:       utils.GetEnvAsInt("STATUS_SYNC_WORKERS", 2, log),
		},

		// Empty REDIS_ADDR leaves the history cache off.
		Redis: redis.Config{
			Addr:     utils.GetEnv("REDIS_ADDR", "", log),
			Password: utils.GetEnv("REDIS_PASSWORD", "", log),
			DB:       utils.GetEnvAsInt("REDIS_DB", 0, log),
			TTL:      utils.GetEnvAsDuration("REDIS_TTL", 10*time.Minute, log),
		},

		// Empty ARTIFACT_BUCKET keeps artifacts local; /static serves them.
		Bucket: bucket.Config{
			Bucket:    utils.GetEnv("ARTIFACT_BUCKET", "", log),
			CredsJSON: utils.GetEnv("GCP_CREDS_JSON", "", log),
		},

		Pipeline: ingestion.PipelineConfig{
			Workers:              utils.GetEnvAsInt("INGEST_CONCURRENCY", 4, log),
			StaleAfter:           utils.GetEnvAsDuration("INGEST_STALE_AFTER", 30*time.Minute, log),
			SweepInterval:        utils.GetEnvAsDuration("INGEST_SWEEP_INTERVAL", 10*time.Minute, log),
			ParseConcurrency:     utils.GetEnvAsInt("PARSE_CONCURRENCY", 2, log),
			VectorizeConcurrency: utils.GetEnvAsInt("VECTORIZE_CONCURRENCY", 2, log),
			ConvertTimeout:       utils.GetEnvAsDuration("INGEST_CONVERT_TIMEOUT", 5*time.Minute, log),
			ParseTimeout:         utils.GetEnvAsDuration("INGEST_PARSE_TIMEOUT", 15*time.Minute, log),
			MergeTimeout:         utils.GetEnvAsDuration("INGEST_MERGE_TIMEOUT", 5*time.Minute, log),
			ChunkTimeout:         utils.GetEnvAsDuration("INGEST_CHUNK_TIMEOUT", 2*time.Minute, log),
			VectorizeTimeout:     utils.GetEnvAsDuration("INGEST_VECTORIZE_TIMEOUT", 30*time.Minute, log),
			SegmentBatch:         utils.GetEnvAsInt("SEGMENT_BATCH", 10, log),
		},
		Merger: ingestion.MergerConfig{
			TableSummary: utils.GetEnvAsBool("TABLE_SUMMARY", false, log),
		},
		Chunker: ingestion.ChunkerConfig{
			SoftLimit:   utils.GetEnvAsInt("CHUNK_SOFT_LIMIT", 800, log),
			Overlap:     utils.GetEnvAsInt("CHUNK_OVERLAP", 100, log),
			PageSummary: utils.GetEnvAsBool("CHUNK_PAGE_SUMMARY", false, log),
		},

		Retrieval: retrieval.Config{
			Alpha:         utils.GetEnvAsFloat("ALPHA", 0.6, log),
			CandidateK:    utils.GetEnvAsInt("CANDIDATE_K", 50, log),
			RerankK:       utils.GetEnvAsInt("RERANK_K", 10, log),
			TopK:          utils.GetEnvAsInt("TOP_K", 5, log),
			RerankCliff:   utils.GetEnvAsBool("RERANK_CLIFF", false, log),
			SearchTimeout: utils.GetEnvAsDuration("SEARCH_TIMEOUT", 15*time.Second, log),
		},
		RAG: rag.Config{
			QueryMaxChars:   utils.GetEnvAsInt("QUERY_MAX_CHARS", 2000, log),
			HistoryMaxChars: utils.GetEnvAsInt("HISTORY_MAX_CHARS", 4000, log),
			ContextMaxChars: utils.GetEnvAsInt("CONTEXT_MAX_CHARS", 6000, log),
			PermissionType:  permissionType,
		},
	}
}
