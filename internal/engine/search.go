package engine

import (
	"fmt"
	"strconv"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// Search maintains one in-memory bleve index per table so the `matches`
// operator can run tokenised full-text queries over string columns. Only
// string fields are indexed; everything else is filtered out before
// indexing.
type Search struct {
	indexes map[string]bleve.Index
}

// NewSearch creates an empty search layer.
func NewSearch() *Search {
	return &Search{indexes: make(map[string]bleve.Index)}
}

func (s *Search) index(table string) (bleve.Index, error) {
	if idx, ok := s.indexes[table]; ok {
		return idx, nil
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index for %s: %w", table, err)
	}
	s.indexes[table] = idx
	return idx, nil
}

// Index adds or replaces a record's text fields in the table's index.
func (s *Search) Index(table string, rec data.Record) error {
	idx, err := s.index(table)
	if err != nil {
		return err
	}
	doc := make(map[string]interface{})
	for col, v := range rec.Fields {
		if sv, ok := v.(string); ok {
			doc[col] = sv
		}
	}
	return idx.Index(strconv.FormatInt(rec.Key, 10), doc)
}

// Remove drops a record from the table's index, typically on tombstoning.
func (s *Search) Remove(table string, key int64) error {
	idx, ok := s.indexes[table]
	if !ok {
		return nil
	}
	return idx.Delete(strconv.FormatInt(key, 10))
}

// Match resolves a full-text query to the set of matching record keys.
// Column, when non-empty, restricts the match to one field.
func (s *Search) Match(table, column, query string) (data.MatchKeys, error) {
	idx, ok := s.indexes[table]
	if !ok {
		return data.MatchKeys{}, nil
	}
	mq := bleve.NewMatchQuery(query)
	if column != "" {
		mq.SetField(column)
	}
	req := bleve.NewSearchRequest(mq)
	req.Size = 10000
	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", table, err)
	}
	keys := make(data.MatchKeys, len(res.Hits))
	for _, hit := range res.Hits {
		key, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		keys[key] = true
	}
	return keys, nil
}
