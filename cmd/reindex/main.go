package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yungbote/ragmind-backend/internal/app"
	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// Rebuilds the lexical index from the segment table. Needed after switching
// lexical providers or when a bleve index ran in memory and was lost on
// restart; embeddings in the vector store are untouched.

type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }
func (l *idList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var docs idList
	var dryRun bool
	var batch int
	flag.Var(&docs, "doc", "doc_id to reindex (repeatable; default all completed documents)")
	flag.BoolVar(&dryRun, "dry-run", false, "print planned work without touching the index")
	flag.IntVar(&batch, "batch", 200, "segments indexed per bulk request")
	flag.Parse()
	if batch <= 0 {
		batch = 200
	}

	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		application.Close(ctx)
	}()

	ctx := context.Background()

	var rows []*types.DocInfo
	if len(docs) > 0 {
		for _, id := range docs {
			doc, err := application.Repos.Docs.GetByDocID(ctx, nil, id)
			if err != nil {
				fmt.Printf("load doc %s: %v\n", id, err)
				continue
			}
			rows = append(rows, doc)
		}
	} else {
		rows, err = application.Repos.Docs.ListByStatus(ctx, nil, []string{types.StatusSplited})
		if err != nil {
			fmt.Printf("load documents: %v\n", err)
			os.Exit(1)
		}
	}

	reindexed, segments := 0, 0
	for _, doc := range rows {
		if doc == nil || doc.IsDeleted {
			continue
		}
		segs, err := application.Repos.Segments.ListIndexable(ctx, nil, doc.DocID)
		if err != nil {
			fmt.Printf("load segments for %s: %v\n", doc.DocID, err)
			continue
		}
		if len(segs) == 0 {
			continue
		}
		if dryRun {
			fmt.Printf("[dry-run] reindex doc_id=%s segments=%d\n", doc.DocID, len(segs))
			continue
		}

		if err := application.Clients.Lexical.DeleteByDoc(ctx, doc.DocID); err != nil {
			fmt.Printf("clear doc %s: %v\n", doc.DocID, err)
			continue
		}
		failed := false
		for start := 0; start < len(segs); start += batch {
			end := start + batch
			if end > len(segs) {
				end = len(segs)
			}
			records := make([]elastic.Record, 0, end-start)
			for _, s := range segs[start:end] {
				records = append(records, elastic.Record{
					SegID:      s.SegID,
					DocID:      s.DocID,
					SegType:    s.SegType,
					SegContent: s.SegContent,
					PageIdx:    s.SegPageIdx,
				})
			}
			if err := application.Clients.Lexical.Index(ctx, records); err != nil {
				fmt.Printf("index doc %s: %v\n", doc.DocID, err)
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		reindexed++
		segments += len(segs)
		fmt.Printf("reindexed doc_id=%s segments=%d\n", doc.DocID, len(segs))
	}

	fmt.Printf("done; documents=%d segments=%d\n", reindexed, segments)
}
