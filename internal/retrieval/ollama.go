package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/arbiter/internal/errs"
)

// OllamaEmbedder calls a local model server's /api/embeddings endpoint.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaEmbedder returns an embedder for baseURL using model.
func NewOllamaEmbedder(baseURL, model string, timeout time.Duration) *OllamaEmbedder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (o *OllamaEmbedder) Name() string { return "ollama:" + o.model }

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	const op = "retrieval.embed"

	body, err := json.Marshal(map[string]string{"model": o.model, "prompt": text})
	if err != nil {
		return nil, errs.E(errs.KindInternal, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errs.E(errs.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, errs.FromContext(ctx, op, err, errs.KindUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.FromContext(ctx, op, err, errs.KindUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.E(errs.KindUnavailable, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	emb := gjson.GetBytes(data, "embedding")
	if !emb.IsArray() {
		return nil, errs.E(errs.KindParse, op, fmt.Errorf("response has no embedding array"))
	}
	arr := emb.Array()
	if len(arr) == 0 {
		return nil, errs.E(errs.KindParse, op, fmt.Errorf("empty embedding"))
	}
	v := make([]float64, len(arr))
	for i, x := range arr {
		v[i] = x.Float()
	}
	return normalize(v), nil
}
