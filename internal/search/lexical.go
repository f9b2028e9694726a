package search

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ashita-ai/meibo/internal/model"
)

// agentDocument is the shape indexed into bleve for one agent.
type agentDocument struct {
	AgentID     string   `json:"agent_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Category    string   `json:"category"`
}

// LexicalIndex is an in-memory BM25 index over agent names, descriptions, and
// keywords. It complements the vector index: exact keyword hits rank agents
// that semantic similarity alone would miss. Rebuilt from storage on startup;
// never persisted. Bleve indexes are safe for concurrent use.
type LexicalIndex struct {
	index bleve.Index
}

// Field boosts for lexical matching: an exact keyword hit outweighs a name
// hit, which outweighs a description hit.
const (
	keywordBoost     = 3.0
	nameBoost        = 2.0
	descriptionBoost = 1.0
)

// NewLexicalIndex creates an empty in-memory lexical index.
func NewLexicalIndex() (*LexicalIndex, error) {
	idx, err := bleve.NewMemOnly(buildAgentMapping())
	if err != nil {
		return nil, fmt.Errorf("search: create lexical index: %w", err)
	}
	return &LexicalIndex{index: idx}, nil
}

func buildAgentMapping() mapping.IndexMapping {
	agentMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name

	keywordField := bleve.NewKeywordFieldMapping()

	agentMapping.AddFieldMappingsAt("name", textField)
	agentMapping.AddFieldMappingsAt("description", textField)
	agentMapping.AddFieldMappingsAt("keywords", textField)
	agentMapping.AddFieldMappingsAt("category", keywordField)
	agentMapping.AddFieldMappingsAt("agent_id", keywordField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = agentMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Index adds or replaces one agent's document.
func (l *LexicalIndex) Index(agent model.Agent) error {
	doc := agentDocument{
		AgentID:     agent.AgentID,
		Name:        agent.Name,
		Description: agent.Description,
		Keywords:    agent.Keywords,
		Category:    string(agent.Category),
	}
	if err := l.index.Index(agent.AgentID, doc); err != nil {
		return fmt.Errorf("search: lexical index agent %s: %w", agent.AgentID, err)
	}
	return nil
}

// Remove deletes one agent's document. Removing an unindexed agent is a no-op.
func (l *LexicalIndex) Remove(agentID string) error {
	if err := l.index.Delete(agentID); err != nil {
		return fmt.Errorf("search: lexical remove agent %s: %w", agentID, err)
	}
	return nil
}

// Search runs the boosted disjunction query and returns agent IDs with their
// normalized BM25 scores, best first.
func (l *LexicalIndex) Search(ctx context.Context, queryText string, limit int, category *model.Category) ([]model.LexicalHit, error) {
	kwQuery := bleve.NewMatchQuery(queryText)
	kwQuery.SetField("keywords")
	kwQuery.SetBoost(keywordBoost)

	nameQuery := bleve.NewMatchQuery(queryText)
	nameQuery.SetField("name")
	nameQuery.SetBoost(nameBoost)

	descQuery := bleve.NewMatchQuery(queryText)
	descQuery.SetField("description")
	descQuery.SetBoost(descriptionBoost)

	var q = bleve.NewDisjunctionQuery(kwQuery, nameQuery, descQuery)

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	if category != nil {
		catQuery := bleve.NewTermQuery(string(*category))
		catQuery.SetField("category")
		req.Query = bleve.NewConjunctionQuery(q, catQuery)
	}

	res, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: lexical search: %w", err)
	}

	hits := make([]model.LexicalHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, model.LexicalHit{AgentID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Count reports the number of indexed documents.
func (l *LexicalIndex) Count() (uint64, error) {
	return l.index.DocCount()
}

// Close releases the index.
func (l *LexicalIndex) Close() error {
	return l.index.Close()
}
