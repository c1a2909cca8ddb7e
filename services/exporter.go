package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"

	"rallymigrate/api"
	"rallymigrate/models"
	"rallymigrate/utils"
)

// 子レコード取得時の fetch 指定
const recordFetch = "Name,Description,PlanEstimate,RefinedEstimate,PreliminaryEstimate,Release,ObjectID,ObjectUUID," +
	"FormattedID,UserStories,Children,Project,Parent,DisplayColor,ReleaseDate,ReleaseStartDate"

// ExportResult はエクスポートの集計です
type ExportResult struct {
	Projects int
	Releases int
	Items    int
	Plans    int
	// Skipped は子の取得に失敗し、子なしとして扱った部分木の数です
	Skipped int
}

// Exporter は移行元からレコードの木を取得しステージングに保存します
type Exporter struct {
	client         RallyService
	store          *StagingStore
	retrier        Retrier
	projectID      string
	portfolioLevel int

	skipped int
}

// NewExporter は新しいエクスポーターを作成します
func NewExporter(client RallyService, store *StagingStore, retrier Retrier, projectID string, portfolioLevel int) *Exporter {
	return &Exporter{
		client:         client,
		store:          store,
		retrier:        retrier,
		projectID:      projectID,
		portfolioLevel: portfolioLevel,
	}
}

// Skipped は取得に失敗した部分木の数を返します
func (e *Exporter) Skipped() int {
	return e.skipped
}

// ExportTree は node の子孫を深さ優先で順に取得し realChildren に格納します
// 兄弟は前の兄弟の子孫がすべて取得されてから処理します
// 子の取得に失敗した場合はログに記録し、その部分木を子なしとして続行します
func (e *Exporter) ExportTree(ctx context.Context, node *models.Record) (*models.Record, error) {
	node.Denormalize()

	coll := node.ChildCollection()
	if coll.Empty() {
		return node, nil
	}

	var raws []json.RawMessage
	err := e.retrier.Do(ctx, fmt.Sprintf("%s %s の子の取得", node.FormattedID, node.Name), func() error {
		var err error
		raws, err = e.client.QueryRef(ctx, coll.Ref, api.QueryParams{Fetch: recordFetch})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		e.skipped++
		utils.LogError("%s (%s) の子の取得に失敗したため部分木をスキップします: %v", node.Name, node.ID(), err)
		return node, nil
	}

	node.RealChildren = make([]*models.Record, 0, len(raws))
	for _, raw := range raws {
		child := &models.Record{}
		if err := json.Unmarshal(raw, child); err != nil {
			return nil, errors.Annotatef(err, "%s の子レコード解析エラー", node.Name)
		}
		if _, err := e.ExportTree(ctx, child); err != nil {
			return nil, err
		}
		node.RealChildren = append(node.RealChildren, child)
	}
	utils.LogDebug("%s は %d 件の子を持ちます", node.Name, len(node.RealChildren))

	return node, nil
}

// ExportAll はエクスポート処理全体を実行します
func (e *Exporter) ExportAll(ctx context.Context) (*ExportResult, error) {
	startTime := time.Now()
	defer utils.TrackTime(startTime, "エクスポート")

	if err := e.store.Reset(); err != nil {
		return nil, err
	}
	result := &ExportResult{}

	root, err := e.exportProjectTree(ctx)
	if err != nil {
		return nil, err
	}
	result.Projects = root.Size()

	defs, err := e.exportPIHierarchy(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.exportEstimates(ctx); err != nil {
		return nil, err
	}

	if result.Releases, err = e.exportReleases(ctx); err != nil {
		return nil, err
	}
	if result.Items, err = e.exportItems(ctx, defs); err != nil {
		return nil, err
	}
	if result.Plans, err = e.exportPlans(ctx); err != nil {
		return nil, err
	}

	result.Skipped = e.skipped
	if e.skipped > 0 {
		utils.LogWarn("子の取得に失敗した部分木: %d 件 (部分的なエクスポートです)", e.skipped)
	}
	utils.LogInfo("エクスポート完了: プロジェクト=%d, リリース=%d, アイテム=%d, プラン=%d",
		result.Projects, result.Releases, result.Items, result.Plans)
	return result, nil
}

func (e *Exporter) exportProjectTree(ctx context.Context) (*models.Record, error) {
	root := &models.Record{}
	if err := e.client.Get(ctx, "project", e.projectID, root); err != nil {
		return nil, errors.Annotatef(err, "ルートプロジェクト %s の取得", e.projectID)
	}
	utils.LogInfo("プロジェクトツリーを取得します: %s", root.Name)

	if _, err := e.ExportTree(ctx, root); err != nil {
		return nil, err
	}
	if err := e.store.WriteRecord(ProjectDir, root.ID(), root); err != nil {
		return nil, err
	}
	return root, nil
}

// exportPIHierarchy はポートフォリオアイテムの型ラダーを保存し、上位から順に返します
func (e *Exporter) exportPIHierarchy(ctx context.Context) ([]models.TypeDefinition, error) {
	defs, err := QueryTypeDefinitions(ctx, e.client)
	if err != nil {
		return nil, err
	}
	if err := e.store.WriteJSON(PIHierarchyFile, LadderFromDefinitions(defs)); err != nil {
		return nil, err
	}
	utils.LogInfo("ポートフォリオアイテム階層: %d 件", len(defs))
	return defs, nil
}

func (e *Exporter) exportEstimates(ctx context.Context) error {
	estimates, err := QueryEstimates(ctx, e.client)
	if err != nil {
		return err
	}
	return e.store.WriteJSON(EstimatesFile, CatalogueFromEstimates(estimates))
}

func (e *Exporter) exportReleases(ctx context.Context) (int, error) {
	raws, err := e.client.Query(ctx, "release", api.QueryParams{
		Project:          RefPath("project", e.projectID),
		ProjectScopeDown: api.Bool(false),
		Fetch:            "Name,ReleaseDate,ReleaseStartDate,ObjectID,Project",
	})
	if err != nil {
		return 0, errors.Annotate(err, "リリース取得エラー")
	}
	for _, raw := range raws {
		rel := &models.Record{}
		if err := json.Unmarshal(raw, rel); err != nil {
			return 0, errors.Annotate(err, "リリース解析エラー")
		}
		if err := e.store.WriteRecord(ReleaseDir, rel.ID(), rel); err != nil {
			return 0, err
		}
	}
	utils.LogInfo("リリース: %d 件", len(raws))
	return len(raws), nil
}

// exportItems は指定階層のポートフォリオアイテムと、親を持たないストーリーを木として保存します
func (e *Exporter) exportItems(ctx context.Context, defs []models.TypeDefinition) (int, error) {
	var roots []json.RawMessage
	scope := api.QueryParams{
		Project:          RefPath("project", e.projectID),
		ProjectScopeDown: api.Bool(true),
		ProjectScopeUp:   api.Bool(false),
		Fetch:            recordFetch,
	}

	if e.portfolioLevel < len(defs) {
		params := scope
		params.Types = defs[e.portfolioLevel].TypePath
		raws, err := e.client.Query(ctx, "artifact", params)
		if err != nil {
			return 0, errors.Annotate(err, "ポートフォリオアイテム取得エラー")
		}
		roots = append(roots, raws...)
	} else {
		utils.LogWarn("PORTFOLIO_LEVEL %d に対応する型がありません (階層数 %d)", e.portfolioLevel, len(defs))
	}

	params := scope
	params.Query = "((Parent = null) AND (PortfolioItem = null))"
	orphans, err := e.client.Query(ctx, "hierarchicalrequirement", params)
	if err != nil {
		return 0, errors.Annotate(err, "ストーリー取得エラー")
	}
	roots = append(roots, orphans...)

	total := 0
	for _, raw := range roots {
		item := &models.Record{}
		if err := json.Unmarshal(raw, item); err != nil {
			return 0, errors.Annotate(err, "アイテム解析エラー")
		}
		if _, err := e.ExportTree(ctx, item); err != nil {
			return 0, err
		}
		if err := e.store.WriteRecord(ItemDir, item.ID(), item); err != nil {
			return 0, err
		}
		total += item.Size()
	}
	utils.LogInfo("アイテム: ルート %d 件, 合計 %d 件", len(roots), total)
	return total, nil
}

func (e *Exporter) exportPlans(ctx context.Context) (int, error) {
	raws, err := e.client.Query(ctx, "workingcapacityplan", api.QueryParams{
		Project:          RefPath("project", e.projectID),
		ProjectScopeDown: api.Bool(true),
		ProjectScopeUp:   api.Bool(false),
		Fetch:            "true",
	})
	if err != nil {
		return 0, errors.Annotate(err, "キャパシティプラン取得エラー")
	}

	for _, raw := range raws {
		plan := &models.CapacityPlan{}
		if err := json.Unmarshal(raw, plan); err != nil {
			return 0, errors.Annotate(err, "キャパシティプラン解析エラー")
		}
		plan.Denormalize()
		if err := e.fillPlan(ctx, plan); err != nil {
			return 0, err
		}
		if err := e.store.WriteRecord(PlanDir, plan.ID(), plan); err != nil {
			return 0, err
		}
	}
	utils.LogInfo("キャパシティプラン: %d 件", len(raws))
	return len(raws), nil
}

// fillPlan はプランの関連コレクションを取得します
func (e *Exporter) fillPlan(ctx context.Context, plan *models.CapacityPlan) error {
	collections := []struct {
		name string
		coll *models.Collection
		out  interface{}
	}{
		{"Assignments", plan.Assignments, &plan.RealAssignments},
		{"AssociatedItems", plan.AssociatedItems, &plan.RealAssociatedItems},
		{"AssociatedProjects", plan.AssociatedProjects, &plan.RealAssociatedProjects},
		{"CapacityPlanItems", plan.CapacityPlanItems, &plan.RealCapacityItems},
		{"CapacityPlanProjects", plan.CapacityPlanProjects, &plan.RealCapacityPlanProjects},
		{"ChildCapacityPlans", plan.ChildCapacityPlans, &plan.RealChildCapacityPlans},
	}
	for _, c := range collections {
		if c.coll == nil || c.coll.Ref == "" {
			continue
		}
		utils.LogDebug("%s の %s を取得します", plan.Name, c.name)
		raws, err := e.client.QueryRef(ctx, c.coll.Ref, api.QueryParams{Fetch: "true"})
		if err != nil {
			return errors.Annotatef(err, "%s の %s 取得エラー", plan.Name, c.name)
		}
		data, err := json.Marshal(raws)
		if err != nil {
			return errors.Trace(err)
		}
		if err := json.Unmarshal(data, c.out); err != nil {
			return errors.Annotatef(err, "%s の %s 解析エラー", plan.Name, c.name)
		}
	}
	return nil
}

// QueryTypeDefinitions はポートフォリオアイテムの型定義を上位 (Ordinal 降順) から取得します
func QueryTypeDefinitions(ctx context.Context, client RallyService) ([]models.TypeDefinition, error) {
	raws, err := client.Query(ctx, "typedefinition", api.QueryParams{
		Query: `(Parent.Name = "Portfolio Item")`,
		Fetch: "Name,Ordinal,TypePath,ObjectID",
		Order: "Ordinal DESC",
	})
	if err != nil {
		return nil, errors.Annotate(err, "ポートフォリオアイテム階層の取得エラー")
	}
	defs := make([]models.TypeDefinition, 0, len(raws))
	for _, raw := range raws {
		var d models.TypeDefinition
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, errors.Annotate(err, "型定義の解析エラー")
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// QueryEstimates は概算見積りカタログを取得します
func QueryEstimates(ctx context.Context, client RallyService) ([]models.PreliminaryEstimate, error) {
	raws, err := client.Query(ctx, "preliminaryestimate", api.QueryParams{
		Fetch: "Value,Name,Description,ObjectID",
	})
	if err != nil {
		return nil, errors.Annotate(err, "概算見積りの取得エラー")
	}
	estimates := make([]models.PreliminaryEstimate, 0, len(raws))
	for _, raw := range raws {
		var est models.PreliminaryEstimate
		if err := json.Unmarshal(raw, &est); err != nil {
			return nil, errors.Annotate(err, "概算見積りの解析エラー")
		}
		estimates = append(estimates, est)
	}
	return estimates, nil
}
