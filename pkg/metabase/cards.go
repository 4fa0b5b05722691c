package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Collection is one entry from /api/collection. The root collection has
// the literal string id "root", so numeric ids are parsed tolerantly and
// non-numeric ones come back as -1.
type Collection struct {
	ID          int
	Name        string
	Description string
}

// UnmarshalJSON tolerates both numeric and string collection ids.
func (c *Collection) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Name = raw.Name
	c.Description = raw.Description
	c.ID = -1

	var id int
	if err := json.Unmarshal(raw.ID, &id); err == nil {
		c.ID = id
	}
	return nil
}

// CollectionItem is one entry from /api/collection/:id/items.
type CollectionItem struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"` // "card" for saved questions
}

// Card is a saved question.
type Card struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CardRequest is the creation payload for a saved question backed by a
// native SQL query.
type CardRequest struct {
	Name         string
	Description  string
	CollectionID int
	DatabaseID   int
	SQL          string
}

// ListCollections returns all collections visible to the session.
func (c *Client) ListCollections(ctx context.Context, sess Session) ([]Collection, error) {
	var collections []Collection
	if err := c.do(ctx, &sess, http.MethodGet, "/api/collection", nil, &collections); err != nil {
		return nil, err
	}
	return collections, nil
}

// CreateCollection creates a collection and returns its id.
func (c *Client) CreateCollection(ctx context.Context, sess Session, name, description, color string) (int, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"color":       color,
		"parent_id":   nil,
	}

	var created Collection
	if err := c.do(ctx, &sess, http.MethodPost, "/api/collection", body, &created); err != nil {
		return 0, err
	}
	if created.ID < 0 {
		return 0, fmt.Errorf("create collection %q: no id in response", name)
	}
	return created.ID, nil
}

// ListCollectionItems returns the items in a collection. Newer Metabase
// versions wrap the list in a {"data": [...]} envelope.
func (c *Client) ListCollectionItems(ctx context.Context, sess Session, collectionID int) ([]CollectionItem, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/api/collection/%d/items", collectionID)
	if err := c.do(ctx, &sess, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return decodeListOrEnvelope[CollectionItem](raw, "collection items")
}

// CreateCard creates a saved question with a native dataset query,
// matching the shape the Metabase UI produces for SQL questions.
func (c *Client) CreateCard(ctx context.Context, sess Session, req CardRequest) (*Card, error) {
	body := map[string]any{
		"name":          req.Name,
		"description":   req.Description,
		"collection_id": req.CollectionID,
		"dataset_query": map[string]any{
			"type": "native",
			"native": map[string]any{
				"query":         req.SQL,
				"template-tags": map[string]any{},
			},
			"database": req.DatabaseID,
		},
		"display":                "table",
		"visualization_settings": map[string]any{},
		"result_metadata":        []any{},
	}

	var card Card
	if err := c.do(ctx, &sess, http.MethodPost, "/api/card", body, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// DeleteCard removes a saved question.
func (c *Client) DeleteCard(ctx context.Context, sess Session, cardID int) error {
	path := fmt.Sprintf("/api/card/%d", cardID)
	return c.do(ctx, &sess, http.MethodDelete, path, nil, nil)
}
