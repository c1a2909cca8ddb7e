package services

import (
	"context"
	"encoding/json"
	"net/url"

	"rallymigrate/api"
)

// RallyService はサービス層が使う Rally API の操作です
// *api.RallyClient が実装します
type RallyService interface {
	CheckAuth(ctx context.Context) error
	Query(ctx context.Context, typePath string, params api.QueryParams) ([]json.RawMessage, error)
	QueryRef(ctx context.Context, ref string, params api.QueryParams) ([]json.RawMessage, error)
	Get(ctx context.Context, typePath, id string, v interface{}) error
	Create(ctx context.Context, typePath string, params url.Values, body interface{}) (json.RawMessage, error)
	Update(ctx context.Context, typePath, id string, body interface{}) (json.RawMessage, error)
	Batch(ctx context.Context, entries []api.BatchEntry) ([]api.BatchResult, error)
}

var _ RallyService = (*api.RallyClient)(nil)
