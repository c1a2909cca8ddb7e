package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/juju/errors"

	"rallymigrate/api"
	"rallymigrate/config"
	"rallymigrate/models"
	"rallymigrate/utils"
)

// ReleaseSync はリリースを2段階で移行します
//
// 作成レスポンスからは複合キー (リリース名, プロジェクト名) に必要な情報が
// 確定的に得られないため、まず全リリースを作成し (CreatePhase)、
// その後移行先を名前で検索してマッピングを構築します (ReconcilePhase)。
type ReleaseSync struct {
	client   RallyService
	mc       *MigrationContext
	resolver Resolver
	retrier  Retrier
}

// NewReleaseSync は新しい ReleaseSync を作成します
func NewReleaseSync(client RallyService, mc *MigrationContext, retrier Retrier) *ReleaseSync {
	return &ReleaseSync{client: client, mc: mc, resolver: mc.Resolver(), retrier: retrier}
}

// Import は作成と照合の両フェーズを実行します
func (rs *ReleaseSync) Import(ctx context.Context, releases []*models.Record) (*ImportResult, error) {
	result, err := rs.CreatePhase(ctx, releases)
	if err != nil {
		return result, err
	}
	if err := rs.ReconcilePhase(ctx, releases, result); err != nil {
		return result, err
	}
	return result, nil
}

// CreatePhase はリリースを子プロジェクトへのカスケード付きで作成します
// レスポンスの ID は記録しません
func (rs *ReleaseSync) CreatePhase(ctx context.Context, releases []*models.Record) (*ImportResult, error) {
	result := &ImportResult{Class: ClassRelease}
	params := url.Values{"cascade": []string{"true"}}

	for _, rel := range releases {
		body := map[string]interface{}{
			"Release": map[string]interface{}{
				"Name":             rel.Name,
				"ReleaseDate":      rel.ReleaseDate,
				"ReleaseStartDate": rel.ReleaseStartDate,
				"State":            config.ReleaseState,
				"Project":          nullable(rs.resolver.ProjectRef(rel.Project)),
				"Workspace":        rs.resolver.WorkspaceRef(),
			},
		}
		err := rs.retrier.Do(ctx, fmt.Sprintf("リリース %s の作成", rel.Name), func() error {
			_, err := rs.client.Create(ctx, "release", params, body)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, errors.Trace(ctx.Err())
			}
			result.skip(rel.ID(), 1)
			utils.LogError("リリース %s の作成に失敗しました: %v", rel.Name, err)
			continue
		}
		result.created()
		utils.LogDebug("リリース作成: %s (%s - %s)", rel.Name, rel.ReleaseStartDate, rel.ReleaseDate)
	}
	return result, nil
}

// ReconcilePhase は移行先を名前で検索し、(リリース名, プロジェクト名) のキーでマッピングを登録します
// カスケードで子プロジェクトに作られたリリースもそれぞれのキーで登録されます
// 検索に失敗した名前のリリースはスキップとして記録し、残りの照合を続けます
func (rs *ReleaseSync) ReconcilePhase(ctx context.Context, releases []*models.Record, result *ImportResult) error {
	var names []string
	byName := make(map[string][]*models.Record, len(releases))
	for _, rel := range releases {
		if _, seen := byName[rel.Name]; !seen {
			names = append(names, rel.Name)
		}
		byName[rel.Name] = append(byName[rel.Name], rel)
	}

	for _, name := range names {
		found, err := rs.lookup(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Trace(ctx.Err())
			}
			for _, rel := range byName[name] {
				result.skip(rel.ID(), 1)
			}
			utils.LogError("リリース %s の照合に失敗しました。このリリースへの参照は null になります: %v", name, err)
			continue
		}
		for _, rel := range found {
			key := models.ReleaseKey{Name: rel.Name, Project: rel.Project.DisplayName()}
			rs.mc.SetRelease(key, rel.ID())
			utils.LogDebug("リリース対応付け: %s -> %s", key, rel.ID())
		}
	}
	utils.LogInfo("リリースの照合完了: %d 件", rs.mc.Len(ClassRelease))
	return nil
}

// lookup は移行先ルートの上下のスコープから名前が一致するリリースを取得します
func (rs *ReleaseSync) lookup(ctx context.Context, name string) ([]*models.Record, error) {
	var raws []json.RawMessage
	err := rs.retrier.Do(ctx, fmt.Sprintf("リリース %s の検索", name), func() error {
		var err error
		raws, err = rs.client.Query(ctx, "release", api.QueryParams{
			Query:            fmt.Sprintf(`(Name = "%s")`, quoteQuery(name)),
			Fetch:            "Name,ObjectID,Project",
			Project:          rs.resolver.RootProjectRef(),
			ProjectScopeUp:   api.Bool(true),
			ProjectScopeDown: api.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	found := make([]*models.Record, 0, len(raws))
	for _, raw := range raws {
		rel := &models.Record{}
		if err := json.Unmarshal(raw, rel); err != nil {
			return nil, errors.Annotate(err, "リリース解析エラー")
		}
		found = append(found, rel)
	}
	return found, nil
}

// quoteQuery はクエリの文字列リテラル内の引用符をエスケープします
func quoteQuery(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
