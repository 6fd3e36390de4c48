package audit

import (
	"context"

	"session-service/internal/models"
)

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// Write indexes into a daily index so retention can drop whole days.
func (s *ElasticsearchSink) Write(ctx context.Context, e models.SecurityEvent) error {
	return s.indexer.IndexDocument(ctx, s.index+"-"+e.EventDate, e.EventID, e)
}
