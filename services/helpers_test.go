package services

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/juju/clock"

	"rallymigrate/api"
	"rallymigrate/config"
	"rallymigrate/internal/rallytest"
	"rallymigrate/models"
	"rallymigrate/utils"
)

func init() {
	utils.SetOutput(io.Discard)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StagingDir:     t.TempDir(),
		MaxConcurrent:  4,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
		PageSize:       2000,
	}
}

func testClient(s *rallytest.Server) *api.RallyClient {
	return api.NewRallyClient(config.Endpoint{URL: s.URL, APIKey: s.APIKey}, &config.Config{
		RequestTimeout: 5 * time.Second,
	})
}

func testRetrier() Retrier {
	return Retrier{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Clock: clock.WallClock}
}

// destContext はワークスペースとルートプロジェクト Beta を持つ移行先を用意します
func destContext(t *testing.T) (*rallytest.Server, rallytest.Object, *MigrationContext) {
	t.Helper()
	s := rallytest.NewServer(t)
	beta := s.Add("Project", rallytest.Object{"Name": "Beta"})
	return s, beta, NewMigrationContext(s.Workspace.IDString(), beta.IDString())
}

func addPortfolioTypes(s *rallytest.Server) {
	parent := rallytest.Object{"_refObjectName": "Portfolio Item"}
	s.Add("TypeDefinition", rallytest.Object{
		"Name": "Feature", "TypePath": "PortfolioItem/Feature", "Ordinal": 0, "Parent": parent,
	})
	s.Add("TypeDefinition", rallytest.Object{
		"Name": "Initiative", "TypePath": "PortfolioItem/Initiative", "Ordinal": 1, "Parent": parent,
	})
}

func ref(id int64, name string) *models.Ref {
	return &models.Ref{ObjectID: id, RefObjectName: name}
}

// failingQuery は指定したクエリ文字列の検索だけを常に失敗させます
type failingQuery struct {
	RallyService
	query string
}

func (f failingQuery) Query(ctx context.Context, typePath string, params api.QueryParams) ([]json.RawMessage, error) {
	if params.Query == f.query {
		return nil, &api.RemoteErrors{Op: "query", Errors: []string{"Could not parse"}}
	}
	return f.RallyService.Query(ctx, typePath, params)
}
