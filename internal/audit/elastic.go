package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const DefaultIndex = "audit-logs"

var _ Sink = (*ElasticSink)(nil)

// ElasticSink indexes records into Elasticsearch, one document per record.
type ElasticSink struct {
	es    *elasticsearch.Client
	index string
}

// NewElasticSink connects to the cluster at url.
func NewElasticSink(url, index string) (*ElasticSink, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{url}})
	if err != nil {
		return nil, fmt.Errorf("audit: elasticsearch client: %w", err)
	}
	if index == "" {
		index = DefaultIndex
	}
	return &ElasticSink{es: es, index: index}, nil
}

func (s *ElasticSink) Write(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: rec.ID,
		Body:       bytes.NewReader(body),
		OpType:     "create",
	}
	res, err := req.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("audit: index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("audit: index: %s", res.String())
	}
	return nil
}

func (s *ElasticSink) query(c Criteria) map[string]any {
	var must []any
	if !c.From.IsZero() || !c.To.IsZero() {
		r := map[string]any{}
		if !c.From.IsZero() {
			r["gte"] = c.From.UTC().Format(time.RFC3339)
		}
		if !c.To.IsZero() {
			r["lte"] = c.To.UTC().Format(time.RFC3339)
		}
		must = append(must, map[string]any{"range": map[string]any{"timestamp": r}})
	}
	term := func(field string, v any) {
		must = append(must, map[string]any{"term": map[string]any{field: v}})
	}
	if c.ActorID != "" {
		term("actor_id", c.ActorID)
	}
	if c.Action != "" {
		term("action", c.Action)
	}
	if c.Resource != "" {
		term("resource", c.Resource)
	}
	if c.PHIAccessed != nil {
		term("phi_accessed", *c.PHIAccessed)
	}
	if c.IPAddress != "" {
		term("ip_address", c.IPAddress)
	}
	if len(must) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{"bool": map[string]any{"must": must}}
}

func (s *ElasticSink) Search(ctx context.Context, c Criteria) ([]Record, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{
		"query": s.query(c),
		"sort":  []any{map[string]any{"timestamp": map[string]any{"order": "desc"}}},
	}); err != nil {
		return nil, err
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(&buf),
		s.es.Search.WithSize(c.limit()),
		s.es.Search.WithFrom(max(c.Offset, 0)),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("audit: search: %s", res.String())
	}

	var payload struct {
		Hits struct {
			Hits []struct {
				Source Record `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("audit: decode search: %w", err)
	}
	out := make([]Record, 0, len(payload.Hits.Hits))
	for _, h := range payload.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

func (s *ElasticSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{
		"query": map[string]any{
			"range": map[string]any{"timestamp": map[string]any{"lt": before.UTC().Format(time.RFC3339)}},
		},
	}); err != nil {
		return 0, err
	}
	req := esapi.DeleteByQueryRequest{
		Index: []string{s.index},
		Body:  &buf,
	}
	res, err := req.Do(ctx, s.es)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("audit: purge: %s", res.String())
	}
	var payload struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("audit: decode purge: %w", err)
	}
	return payload.Deleted, nil
}
