package models

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// CapacityPlan はキャパシティプランと、エクスポート時に取得した関連レコードです
type CapacityPlan struct {
	ObjectID           int64  `json:"ObjectID"`
	Type               string `json:"_type,omitempty"`
	Ref                string `json:"_ref,omitempty"`
	Name               string `json:"Name"`
	Description        string `json:"Description,omitempty"`
	StartDate          string `json:"StartDate,omitempty"`
	EndDate            string `json:"EndDate,omitempty"`
	Project            *Ref   `json:"Project,omitempty"`
	Release            *Ref   `json:"Release,omitempty"`
	ParentCapacityPlan *Ref   `json:"ParentCapacityPlan,omitempty"`

	Assignments          *Collection `json:"Assignments,omitempty"`
	AssociatedItems      *Collection `json:"AssociatedItems,omitempty"`
	AssociatedProjects   *Collection `json:"AssociatedProjects,omitempty"`
	CapacityPlanItems    *Collection `json:"CapacityPlanItems,omitempty"`
	CapacityPlanProjects *Collection `json:"CapacityPlanProjects,omitempty"`
	ChildCapacityPlans   *Collection `json:"ChildCapacityPlans,omitempty"`

	RealAssignments          []*PlanAssignment `json:"realAssignments,omitempty"`
	RealAssociatedItems      []*Ref            `json:"realAssociatedItems,omitempty"`
	RealAssociatedProjects   []*Ref            `json:"realAssociatedProjects,omitempty"`
	RealCapacityItems        []*PlanItem       `json:"realCapacityItems,omitempty"`
	RealCapacityPlanProjects []*PlanProject    `json:"realCapacityPlanProjects,omitempty"`
	RealChildCapacityPlans   []*Ref            `json:"realChildCapacityPlans,omitempty"`
}

// ID は ObjectID を文字列で返します
func (p *CapacityPlan) ID() string {
	return strconv.FormatInt(p.ObjectID, 10)
}

// HasParent は親プランを持つかどうかを返します
func (p *CapacityPlan) HasParent() bool {
	return p.ParentCapacityPlan.ID() != ""
}

// Denormalize は目標リリースの参照にプランのプロジェクト名を書き込みます
func (p *CapacityPlan) Denormalize() {
	if p.Release != nil && p.Project != nil && p.Release.ProjectName == "" {
		p.Release.ProjectName = p.Project.DisplayName()
	}
}

// PlanProject はプランへのプロジェクト割当です
type PlanProject struct {
	ObjectID              int64            `json:"ObjectID"`
	Project               *Ref             `json:"Project,omitempty"`
	PlannedCapacityCount  *decimal.Decimal `json:"PlannedCapacityCount,omitempty"`
	PlannedCapacityPoints *decimal.Decimal `json:"PlannedCapacityPoints,omitempty"`
}

// ID は ObjectID を文字列で返します
func (p *PlanProject) ID() string {
	return strconv.FormatInt(p.ObjectID, 10)
}

// PlanItem はプランへのアイテム割当です
type PlanItem struct {
	ObjectID      int64  `json:"ObjectID"`
	PortfolioItem *Ref   `json:"PortfolioItem,omitempty"`
	Rank          string `json:"Rank,omitempty"`
}

// ID は ObjectID を文字列で返します
func (p *PlanItem) ID() string {
	return strconv.FormatInt(p.ObjectID, 10)
}

// PlanAssignment はアイテム割当とプロジェクト割当を結び付けます
type PlanAssignment struct {
	ObjectID              int64            `json:"ObjectID"`
	CapacityPlanItem      *Ref             `json:"CapacityPlanItem,omitempty"`
	CapacityPlanProject   *Ref             `json:"CapacityPlanProject,omitempty"`
	PlannedCapacityCount  *decimal.Decimal `json:"PlannedCapacityCount,omitempty"`
	PlannedCapacityPoints *decimal.Decimal `json:"PlannedCapacityPoints,omitempty"`
}
