package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"rallymigrate/config"
	"rallymigrate/models"
	"rallymigrate/utils"
)

// ImportResult はエンティティクラスごとのインポート集計です
type ImportResult struct {
	Class   Class
	Created int
	// Skipped は作成できなかったノードとその子孫の数です
	Skipped int
	// Failed は作成に失敗したノードの移行元 ID です
	Failed []string
	// Resumed は保存済みのマッピングを使ってクラスごとスキップしたことを示します
	Resumed bool

	mu sync.Mutex
}

func (r *ImportResult) created() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Created++
}

func (r *ImportResult) skip(id string, subtree int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped += subtree
	r.Failed = append(r.Failed, id)
}

// Importer はステージングした木を親から順に移行先へ作成します
type Importer struct {
	client        RallyService
	mc            *MigrationContext
	resolver      Resolver
	retrier       Retrier
	maxConcurrent int
}

// NewImporter は新しいインポーターを作成します
func NewImporter(client RallyService, mc *MigrationContext, retrier Retrier, maxConcurrent int) *Importer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Importer{
		client:        client,
		mc:            mc,
		resolver:      mc.Resolver(),
		retrier:       retrier,
		maxConcurrent: maxConcurrent,
	}
}

// ImportForest は複数のルートの木をインポートします
// 兄弟の木は互いに独立しているため最大 maxConcurrent 件を並行して処理します
func (im *Importer) ImportForest(ctx context.Context, class Class, roots []*models.Record) (*ImportResult, error) {
	result := &ImportResult{Class: class}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.maxConcurrent)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			_, err := im.ImportTree(gctx, class, root, nil, result)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	utils.LogInfo("%s のインポート完了: 作成=%d, スキップ=%d", class, result.Created, result.Skipped)
	return result, nil
}

// ImportTree は node を作成してから realChildren をエクスポート時の順序で作成します
// 子は親の作成レスポンスで得た移行先 ID を参照するため、親より先には作成されません
// node の作成に失敗した場合、その部分木は作成せずスキップとして記録します
// 戻り値のエラーはキャンセルなど処理全体を中断すべき場合のみです
func (im *Importer) ImportTree(ctx context.Context, class Class, node *models.Record, parent *models.Record, result *ImportResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Trace(err)
	}

	created, err := im.createNode(ctx, class, node, parent)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Trace(ctx.Err())
		}
		size := node.Size()
		result.skip(node.ID(), size)
		utils.LogError("%s %s (%s) の作成に失敗しました。部分木 %d 件をスキップします: %v",
			class, node.Name, node.ID(), size, err)
		return "", nil
	}

	im.mc.Set(class, node.ID(), created.ID())
	result.created()
	utils.LogDebug("%s: 作成成功 %s -> %s", node.Name, node.ID(), created.ID())

	for _, child := range node.RealChildren {
		if _, err := im.ImportTree(ctx, class, child, created, result); err != nil {
			return "", err
		}
	}
	return created.ID(), nil
}

// createNode は1ノードを再試行付きで作成します
func (im *Importer) createNode(ctx context.Context, class Class, node *models.Record, parent *models.Record) (*models.Record, error) {
	typePath, body, err := im.buildBody(class, node, parent)
	if err != nil {
		return nil, err
	}
	created, err := im.create(ctx, typePath, nil, body, fmt.Sprintf("%s %s の作成", class, node.Name))
	if err != nil {
		return nil, err
	}
	if created.Type == "" {
		created.Type = typePath
	}
	return created, nil
}

func (im *Importer) create(ctx context.Context, typePath string, params url.Values, body interface{}, what string) (*models.Record, error) {
	var raw json.RawMessage
	err := im.retrier.Do(ctx, what, func() error {
		var err error
		raw, err = im.client.Create(ctx, typePath, params, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.Errorf("%s のレスポンスに Object がありません", what)
	}
	created := &models.Record{}
	if err := json.Unmarshal(raw, created); err != nil {
		return nil, errors.Annotatef(err, "%s のレスポンス解析エラー", what)
	}
	if created.ObjectID == 0 {
		return nil, errors.Errorf("%s のレスポンスに ObjectID がありません", what)
	}
	return created, nil
}

func (im *Importer) buildBody(class Class, node *models.Record, parent *models.Record) (string, interface{}, error) {
	switch class {
	case ClassProject:
		return "project", im.projectBody(node, parent), nil
	case ClassItem:
		typePath, body := im.itemBody(node, parent)
		return typePath, body, nil
	}
	return "", nil, errors.NotSupportedf("クラス %s の木のインポート", class)
}

// projectBody はプロジェクトの作成本文を作ります (親がなければ移行先ルートの下)
func (im *Importer) projectBody(node *models.Record, parent *models.Record) map[string]interface{} {
	parentRef := im.resolver.RootProjectRef()
	if parent != nil {
		parentRef = RefPath("project", parent.ID())
	}
	return map[string]interface{}{
		"Project": map[string]interface{}{
			"Name":        node.Name,
			"Description": node.Description,
			"Parent":      parentRef,
			"Workspace":   im.resolver.WorkspaceRef(),
			"State":       config.ProjectState,
		},
	}
}

// itemBody はポートフォリオアイテム/ストーリーの作成先と本文を作ります
// 移行先の型は型ラダーで決定し、対応がなければストーリーとして作成します
func (im *Importer) itemBody(node *models.Record, parent *models.Record) (string, map[string]interface{}) {
	typePath := im.mc.Ladder.CreatePath(node.Type)

	inner := map[string]interface{}{
		"Name":         node.Name,
		"Description":  node.Description,
		"Project":      nullable(im.resolver.ProjectRef(node.Project)),
		"DisplayColor": node.DisplayColor,
		"Workspace":    im.resolver.WorkspaceRef(),
	}
	if node.Release != nil {
		inner["Release"] = nullable(im.resolver.ReleaseRef(node.Release, node.Project.DisplayName()))
	}
	if node.PlanEstimate != nil {
		inner["PlanEstimate"] = number(*node.PlanEstimate)
	}
	if node.RefinedEstimate != nil {
		inner["RefinedEstimate"] = number(*node.RefinedEstimate)
	}
	if node.PreliminaryEstimate != nil {
		inner["PreliminaryEstimate"] = nullable(im.resolver.EstimateRef(node.PreliminaryEstimate))
	}
	if parent != nil {
		inner[parentField(typePath)] = RefPath(parent.Type, parent.ID())
	}

	return typePath, map[string]interface{}{typeKey(typePath): inner}
}

// parentField は型ごとの親参照フィールド名を返します
func parentField(typePath string) string {
	if typePath == RequirementPath {
		return "UnifiedParent"
	}
	return "Parent"
}

// typeKey は作成本文のラッパーキーを型パスから作ります
func typeKey(typePath string) string {
	switch strings.ToLower(typePath) {
	case RequirementPath:
		return "HierarchicalRequirement"
	case "workingcapacityplan":
		return "WorkingCapacityPlan"
	case "workingcapacityplanproject":
		return "WorkingCapacityPlanProject"
	case "workingcapacityplanitem":
		return "WorkingCapacityPlanItem"
	case "workingcapacityplanassignment":
		return "WorkingCapacityPlanAssignment"
	}
	name := typePath
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// number は decimal を JSON の数値として書き出します
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
