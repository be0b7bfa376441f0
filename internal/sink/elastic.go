package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/crescent-systems/mailharvest/internal/models"
)

// ElasticSink indexes normalized emails into one Elasticsearch index.
type ElasticSink struct {
	client *elasticsearch.Client
	index  string
}

type ElasticOptions struct {
	Endpoint string
	CloudID  string
	Username string
	Password string
	Index    string
}

func NewElasticSink(opts ElasticOptions) (*ElasticSink, error) {
	cfg := elasticsearch.Config{
		CloudID:  opts.CloudID,
		Username: opts.Username,
		Password: opts.Password,
	}
	if opts.Endpoint != "" {
		cfg.Addresses = []string{opts.Endpoint}
	}

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	index := opts.Index
	if index == "" {
		index = "emails"
	}

	return &ElasticSink{client: client, index: index}, nil
}

// Store indexes the email under its dedup-key document id.
func (s *ElasticSink) Store(ctx context.Context, email *models.NormalizedEmail) error {
	docID := DocumentID(email)

	payload, err := json.Marshal(email)
	if err != nil {
		return &WriteError{DocumentID: docID, Err: fmt.Errorf("marshal email: %w", err)}
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: docID,
		Body:       bytes.NewReader(payload),
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return &WriteError{DocumentID: docID, Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return &WriteError{DocumentID: docID, Err: fmt.Errorf("index request returned %s", res.Status())}
	}
	return nil
}
