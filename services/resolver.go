package services

import (
	"fmt"
	"strings"

	"rallymigrate/models"
	"rallymigrate/utils"
)

// Resolver は移行元の参照を移行先のアドレス (/type/id) に書き換えます
// 解決できない参照は警告を出して空文字 (null) を返します
type Resolver struct {
	mc *MigrationContext
}

// RefPath は型パスと ID から参照文字列を作ります
func RefPath(typePath, id string) string {
	return fmt.Sprintf("/%s/%s", strings.ToLower(strings.Trim(typePath, "/")), id)
}

// WorkspaceRef は移行先ワークスペースの参照を返します
func (r Resolver) WorkspaceRef() string {
	return RefPath("workspace", r.mc.WorkspaceID)
}

// RootProjectRef は移行先ルートプロジェクトの参照を返します
func (r Resolver) RootProjectRef() string {
	return RefPath("project", r.mc.RootProjectID)
}

// ProjectRef はプロジェクト参照を解決します (参照なしはルートプロジェクト)
func (r Resolver) ProjectRef(ref *models.Ref) string {
	if ref.ID() == "" {
		return r.RootProjectRef()
	}
	if id, ok := r.mc.Lookup(ClassProject, ref.ID()); ok {
		return RefPath("project", id)
	}
	r.miss("プロジェクト", ref.ID(), ref.DisplayName())
	return ""
}

// ReleaseKeyOf はリリース参照の複合キーを作ります
// projectName が空の場合は参照に保持したプロジェクト名を使います
func ReleaseKeyOf(ref *models.Ref, projectName string) models.ReleaseKey {
	if projectName == "" {
		projectName = ref.ProjectName
	}
	return models.ReleaseKey{Name: ref.DisplayName(), Project: projectName}
}

// ReleaseRef はリリース参照を (リリース名, プロジェクト名) で解決します
func (r Resolver) ReleaseRef(ref *models.Ref, projectName string) string {
	if ref == nil {
		return ""
	}
	key := ReleaseKeyOf(ref, projectName)
	if id, ok := r.mc.LookupRelease(key); ok {
		return RefPath("release", id)
	}
	r.miss("リリース", key.String(), key.Name)
	return ""
}

// ItemRef はポートフォリオアイテム/ストーリー参照を解決します
// 移行先の型パスは型ラダーから決定します
func (r Resolver) ItemRef(ref *models.Ref) string {
	if ref.ID() == "" {
		return ""
	}
	id, ok := r.mc.Lookup(ClassItem, ref.ID())
	if !ok {
		r.miss("アイテム", ref.ID(), ref.DisplayName())
		return ""
	}
	return RefPath(r.mc.Ladder.CreatePath(ref.Type), id)
}

// EstimateRef は概算見積り参照を最も近い値の見積りに解決します
func (r Resolver) EstimateRef(ref *models.Ref) string {
	if ref.ID() == "" {
		return ""
	}
	if id, ok := r.mc.Estimates[ref.ID()]; ok {
		return RefPath("preliminaryestimate", id)
	}
	r.miss("概算見積り", ref.ID(), ref.DisplayName())
	return ""
}

// PlanRef はキャパシティプラン参照を解決します
func (r Resolver) PlanRef(ref *models.Ref) string {
	if ref.ID() == "" {
		return ""
	}
	if id, ok := r.mc.Lookup(ClassPlan, ref.ID()); ok {
		return RefPath("workingcapacityplan", id)
	}
	r.miss("キャパシティプラン", ref.ID(), ref.DisplayName())
	return ""
}

func (r Resolver) miss(kind, key, name string) {
	r.mc.misses.Add(1)
	utils.WithFields(map[string]interface{}{
		"kind": kind,
		"key":  key,
		"name": name,
	}).Warnf("%s の参照を解決できません: %s (%s) null として続行します", kind, key, name)
}

// nullable は空文字を JSON の null にします
func nullable(ref string) interface{} {
	if ref == "" {
		return nil
	}
	return ref
}
