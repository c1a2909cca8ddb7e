package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"rallymigrate/models"
	"rallymigrate/utils"
)

// キャパシティプラン関連の型パス
const (
	PlanPath           = "workingcapacityplan"
	PlanProjectPath    = "workingcapacityplanproject"
	PlanItemPath       = "workingcapacityplanitem"
	PlanAssignmentPath = "workingcapacityplanassignment"
)

// PlanImporter はキャパシティプランを関連レコードと一緒にバッチで作成します
type PlanImporter struct {
	client   RallyService
	mc       *MigrationContext
	resolver Resolver
	retrier  Retrier
}

// NewPlanImporter は新しいプランインポーターを作成します
func NewPlanImporter(client RallyService, mc *MigrationContext, retrier Retrier) *PlanImporter {
	return &PlanImporter{client: client, mc: mc, resolver: mc.Resolver(), retrier: retrier}
}

// OrderPlans は親プランが子プランより前に来るように並べ替えます
// 親が集合に含まれないプランはルートとして扱い、同じ階層内では元の順序を保ちます
func OrderPlans(plans []*models.CapacityPlan) []*models.CapacityPlan {
	byID := make(map[string]*models.CapacityPlan, len(plans))
	for _, p := range plans {
		byID[p.ID()] = p
	}

	ordered := make([]*models.CapacityPlan, 0, len(plans))
	placed := make(map[string]bool, len(plans))
	for len(ordered) < len(plans) {
		progress := false
		for _, p := range plans {
			if placed[p.ID()] {
				continue
			}
			parentID := p.ParentCapacityPlan.ID()
			if _, inSet := byID[parentID]; p.HasParent() && inSet && !placed[parentID] {
				continue
			}
			ordered = append(ordered, p)
			placed[p.ID()] = true
			progress = true
		}
		if !progress {
			// 循環参照は残りを元の順序で追加する
			for _, p := range plans {
				if !placed[p.ID()] {
					ordered = append(ordered, p)
					placed[p.ID()] = true
				}
			}
		}
	}
	return ordered
}

// Import はプランを親から順に作成します
// 親プランの作成に失敗した場合、その子プランは作成しません
func (pi *PlanImporter) Import(ctx context.Context, plans []*models.CapacityPlan) (*ImportResult, error) {
	result := &ImportResult{Class: ClassPlan}
	failed := map[string]bool{}

	for _, plan := range OrderPlans(plans) {
		if err := ctx.Err(); err != nil {
			return result, errors.Trace(err)
		}
		if plan.HasParent() && failed[plan.ParentCapacityPlan.ID()] {
			failed[plan.ID()] = true
			result.skip(plan.ID(), 1)
			utils.LogWarn("親プランが作成されていないため %s をスキップします", plan.Name)
			continue
		}

		if err := pi.ImportPlan(ctx, plan, result); err != nil {
			if ctx.Err() != nil {
				return result, errors.Trace(ctx.Err())
			}
			failed[plan.ID()] = true
			result.skip(plan.ID(), 1)
			utils.LogError("キャパシティプラン %s の作成に失敗しました: %v", plan.Name, err)
		}
	}

	utils.LogInfo("キャパシティプランのインポート完了: 作成=%d, スキップ=%d", result.Created, result.Skipped)
	return result, nil
}

// ImportPlan は1つのプランをバッチで作成し、続けて親・リリース・プロジェクトを設定します
func (pi *PlanImporter) ImportPlan(ctx context.Context, plan *models.CapacityPlan, result *ImportResult) error {
	b, err := pi.BuildBatch(plan)
	if err != nil {
		return err
	}
	err = pi.retrier.Do(ctx, fmt.Sprintf("プラン %s のバッチ作成", plan.Name), func() error {
		return b.Submit(ctx, pi.client)
	})
	if err != nil {
		return err
	}

	planID, err := b.Result("plan")
	if err != nil {
		return errors.Trace(err)
	}
	pi.mc.Set(ClassPlan, plan.ID(), planID)
	result.created()
	utils.LogDebug("プラン作成: %s -> %s (%d 操作)", plan.ID(), planID, b.Len())

	update := pi.linkFields(plan)
	err = pi.retrier.Do(ctx, fmt.Sprintf("プラン %s の関連付け", plan.Name), func() error {
		_, err := pi.client.Update(ctx, PlanPath, planID, map[string]interface{}{typeKey(PlanPath): update})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		result.mu.Lock()
		result.Failed = append(result.Failed, plan.ID())
		result.mu.Unlock()
		utils.LogError("プラン %s の親・リリース・プロジェクトの設定に失敗しました: %v", plan.Name, err)
	}
	return nil
}

// BuildBatch はプランと割当レコードの作成操作を組み立てます
// 参照を解決できない割当は警告を出して省略します
func (pi *PlanImporter) BuildBatch(plan *models.CapacityPlan) (*BatchBuilder, error) {
	b := NewBatchBuilder()
	ws := pi.resolver.WorkspaceRef()

	err := b.Add("plan", PlanPath, map[string]interface{}{
		"Name":        plan.Name,
		"Description": plan.Description,
		"StartDate":   plan.StartDate,
		"EndDate":     plan.EndDate,
		"Workspace":   ws,
	})
	if err != nil {
		return nil, err
	}
	planSlot, _ := b.Ref("plan")

	for _, pp := range plan.RealCapacityPlanProjects {
		if pp.Project.ID() == "" {
			continue
		}
		ref := pi.resolver.ProjectRef(pp.Project)
		if ref == "" {
			continue
		}
		fields := map[string]interface{}{
			"CapacityPlan": planSlot,
			"Project":      ref,
			"Workspace":    ws,
		}
		setNumber(fields, "PlannedCapacityCount", pp.PlannedCapacityCount)
		setNumber(fields, "PlannedCapacityPoints", pp.PlannedCapacityPoints)
		if err := b.Add(projectSlot(pp.ID()), PlanProjectPath, fields); err != nil {
			return nil, err
		}
	}

	for _, item := range plan.RealCapacityItems {
		ref := pi.resolver.ItemRef(item.PortfolioItem)
		if ref == "" {
			continue
		}
		fields := map[string]interface{}{
			"CapacityPlan":  planSlot,
			"PortfolioItem": ref,
			"Workspace":     ws,
		}
		if item.Rank != "" {
			fields["Rank"] = item.Rank
		}
		if err := b.Add(itemSlot(item.ID()), PlanItemPath, fields); err != nil {
			return nil, err
		}
	}

	for _, a := range plan.RealAssignments {
		itemKey, projectKey := itemSlot(a.CapacityPlanItem.ID()), projectSlot(a.CapacityPlanProject.ID())
		if !b.Has(itemKey) || !b.Has(projectKey) {
			utils.LogWarn("プラン %s の割当 %d は対応する割当レコードがないため省略します", plan.Name, a.ObjectID)
			continue
		}
		itemRef, _ := b.Ref(itemKey)
		projectRef, _ := b.Ref(projectKey)
		fields := map[string]interface{}{
			"CapacityPlan":        planSlot,
			"CapacityPlanItem":    itemRef,
			"CapacityPlanProject": projectRef,
			"Workspace":           ws,
		}
		setNumber(fields, "PlannedCapacityCount", a.PlannedCapacityCount)
		setNumber(fields, "PlannedCapacityPoints", a.PlannedCapacityPoints)
		if err := b.Add("assignment:"+strconv.FormatInt(a.ObjectID, 10), PlanAssignmentPath, fields); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// linkFields は作成後に設定する参照フィールドを作ります
func (pi *PlanImporter) linkFields(plan *models.CapacityPlan) map[string]interface{} {
	fields := map[string]interface{}{
		"Project": nullable(pi.resolver.ProjectRef(plan.Project)),
	}
	if plan.HasParent() {
		fields["ParentCapacityPlan"] = nullable(pi.resolver.PlanRef(plan.ParentCapacityPlan))
	}
	if plan.Release != nil {
		fields["Release"] = nullable(pi.resolver.ReleaseRef(plan.Release, plan.Project.DisplayName()))
	}
	return fields
}

func projectSlot(id string) string { return "project:" + id }

func itemSlot(id string) string { return "item:" + id }

func setNumber(fields map[string]interface{}, name string, d *decimal.Decimal) {
	if d != nil {
		fields[name] = number(*d)
	}
}
