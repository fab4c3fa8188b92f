package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LoadDir seeds every collection from dir/<collection>.jsonl. Missing files
// are skipped. It returns the number of documents loaded.
func (e *Engine) LoadDir(ctx context.Context, dir string) (int, error) {
	total := 0
	for _, c := range AllCollections {
		path := filepath.Join(dir, string(c)+".jsonl")
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("open %s: %w", path, err)
		}

		docs, err := readJSONL(f)
		_ = f.Close()
		if err != nil {
			return total, fmt.Errorf("read %s: %w", path, err)
		}
		if len(docs) == 0 {
			continue
		}
		if _, err := e.Ingest(ctx, string(c), docs); err != nil {
			return total, fmt.Errorf("ingest %s: %w", c, err)
		}

		e.logger.Info(ctx, "knowledge collection loaded", "collection", string(c), "documents", len(docs))
		total += len(docs)
	}
	return total, nil
}

func readJSONL(r io.Reader) ([]Document, error) {
	var docs []Document
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var d Document
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	return docs, sc.Err()
}
