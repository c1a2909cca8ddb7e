package models

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind はレコードの種別を表します (_type から一度だけ決定されます)
type Kind int

const (
	KindUnknown Kind = iota
	KindProject
	KindRelease
	KindPortfolioItem
	KindRequirement
	KindCapacityPlan
)

// String は種別名を返します
func (k Kind) String() string {
	switch k {
	case KindProject:
		return "project"
	case KindRelease:
		return "release"
	case KindPortfolioItem:
		return "portfolioitem"
	case KindRequirement:
		return "hierarchicalrequirement"
	case KindCapacityPlan:
		return "workingcapacityplan"
	}
	return "unknown"
}

// KindOf は Rally の _type から種別を判定します
func KindOf(typeName string) Kind {
	t := strings.ToLower(typeName)
	switch {
	case t == "project":
		return KindProject
	case t == "release":
		return KindRelease
	case t == "hierarchicalrequirement":
		return KindRequirement
	case strings.HasPrefix(t, "portfolioitem"):
		return KindPortfolioItem
	case t == "workingcapacityplan":
		return KindCapacityPlan
	}
	return KindUnknown
}

// 子コレクションのフィールド名
const (
	ChildrenField    = "Children"
	UserStoriesField = "UserStories"
)

// Ref は他レコードへの参照です
// 移行先で ID が変わるため、名前などの非正規化情報も保持します
type Ref struct {
	Ref           string `json:"_ref,omitempty"`
	RefObjectName string `json:"_refObjectName,omitempty"`
	Type          string `json:"_type,omitempty"`
	ObjectID      int64  `json:"ObjectID,omitempty"`
	Name          string `json:"Name,omitempty"`
	// ProjectName は参照先を所有するプロジェクト名です (リリース参照の複合キー用)
	ProjectName string `json:"ProjectName,omitempty"`
}

// ID は参照先の ObjectID を文字列で返します
func (r *Ref) ID() string {
	if r == nil {
		return ""
	}
	if r.ObjectID != 0 {
		return strconv.FormatInt(r.ObjectID, 10)
	}
	// _ref の末尾から取り出す
	ref := strings.TrimRight(r.Ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		if _, err := strconv.ParseInt(ref[i+1:], 10, 64); err == nil {
			return ref[i+1:]
		}
	}
	return ""
}

// DisplayName は参照先の名前を返します
func (r *Ref) DisplayName() string {
	if r == nil {
		return ""
	}
	if r.Name != "" {
		return r.Name
	}
	return r.RefObjectName
}

// Collection は子コレクションへのポインタです
type Collection struct {
	Ref   string `json:"_ref,omitempty"`
	Count *int   `json:"Count,omitempty"`
}

// Empty は子が存在しない (または件数不明) かどうかを返します
func (c *Collection) Empty() bool {
	return c == nil || c.Ref == "" || c.Count == nil || *c.Count == 0
}

// Record は階層内の1レコード (プロジェクト・リリース・ポートフォリオアイテム・ストーリー) です
type Record struct {
	ObjectID            int64            `json:"ObjectID"`
	ObjectUUID          string           `json:"ObjectUUID,omitempty"`
	Type                string           `json:"_type"`
	Ref                 string           `json:"_ref,omitempty"`
	FormattedID         string           `json:"FormattedID,omitempty"`
	Name                string           `json:"Name"`
	Description         string           `json:"Description,omitempty"`
	DisplayColor        string           `json:"DisplayColor,omitempty"`
	Project             *Ref             `json:"Project,omitempty"`
	Parent              *Ref             `json:"Parent,omitempty"`
	Release             *Ref             `json:"Release,omitempty"`
	PreliminaryEstimate *Ref             `json:"PreliminaryEstimate,omitempty"`
	PlanEstimate        *decimal.Decimal `json:"PlanEstimate,omitempty"`
	RefinedEstimate     *decimal.Decimal `json:"RefinedEstimate,omitempty"`
	ReleaseDate         string           `json:"ReleaseDate,omitempty"`
	ReleaseStartDate    string           `json:"ReleaseStartDate,omitempty"`
	Children            *Collection      `json:"Children,omitempty"`
	UserStories         *Collection      `json:"UserStories,omitempty"`
	RealChildren        []*Record        `json:"realChildren,omitempty"`

	kind       Kind
	childField string
}

// UnmarshalJSON はデコード時に種別と子コレクションのフィールドを確定します
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Record(p)
	r.resolveKind()
	return nil
}

func (r *Record) resolveKind() {
	r.kind = KindOf(r.Type)
	switch r.kind {
	case KindPortfolioItem:
		// 最下位レベルのポートフォリオアイテムは UserStories に子を持ちます
		if r.UserStories != nil {
			r.childField = UserStoriesField
		} else {
			r.childField = ChildrenField
		}
	case KindProject, KindRequirement:
		r.childField = ChildrenField
	}
}

// Kind はレコードの種別を返します
func (r *Record) Kind() Kind {
	if r.kind == KindUnknown && r.Type != "" {
		r.resolveKind()
	}
	return r.kind
}

// ChildField は子を保持するフィールド名を返します (子を持たない種別は空文字)
func (r *Record) ChildField() string {
	r.Kind()
	return r.childField
}

// ChildCollection は種別が宣言する子コレクションを返します
func (r *Record) ChildCollection() *Collection {
	switch r.ChildField() {
	case UserStoriesField:
		return r.UserStories
	case ChildrenField:
		return r.Children
	}
	return nil
}

// ID は ObjectID を文字列で返します
func (r *Record) ID() string {
	return strconv.FormatInt(r.ObjectID, 10)
}

// Walk は部分木を前順で走査します
func (r *Record) Walk(fn func(*Record)) {
	if r == nil {
		return
	}
	fn(r)
	for _, c := range r.RealChildren {
		c.Walk(fn)
	}
}

// Size は部分木のノード数を返します
func (r *Record) Size() int {
	n := 0
	r.Walk(func(*Record) { n++ })
	return n
}

// Denormalize はリリース参照に所有プロジェクト名を書き込みます
func (r *Record) Denormalize() {
	if r.Release != nil && r.Project != nil && r.Release.ProjectName == "" {
		r.Release.ProjectName = r.Project.DisplayName()
	}
}

// TypeDefinition はポートフォリオアイテムの型定義です
type TypeDefinition struct {
	ObjectID int64  `json:"ObjectID,omitempty"`
	Name     string `json:"Name"`
	TypePath string `json:"TypePath"`
	Ordinal  int    `json:"Ordinal"`
}

// PreliminaryEstimate は概算見積りカタログの1エントリです
type PreliminaryEstimate struct {
	ObjectID int64           `json:"ObjectID"`
	Name     string          `json:"Name"`
	Value    decimal.Decimal `json:"Value"`
}

// ID は ObjectID を文字列で返します
func (e PreliminaryEstimate) ID() string {
	return strconv.FormatInt(e.ObjectID, 10)
}

// IDMapping は移行元 ID と移行先 ID のマッピングを表します
type IDMapping map[string]string

// ReleaseKey はリリースの複合キー (リリース名, 所有プロジェクト名) です
type ReleaseKey struct {
	Name    string
	Project string
}

// String はログ用の文字列表現を返します
func (k ReleaseKey) String() string {
	return k.Name + "@" + k.Project
}

// ReleaseMapping は複合キーから移行先リリース ID へのマッピングです
type ReleaseMapping map[ReleaseKey]string

// releaseEntry は保存形式の1エントリです
type releaseEntry struct {
	Name    string `json:"Name"`
	Project string `json:"Project"`
	ID      string `json:"ID"`
}

// MarshalJSON はキーを分解したエントリの配列として書き出します
// 名前やプロジェクト名にどんな文字が含まれても読み戻せます
func (m ReleaseMapping) MarshalJSON() ([]byte, error) {
	entries := make([]releaseEntry, 0, len(m))
	for k, id := range m {
		entries = append(entries, releaseEntry{Name: k.Name, Project: k.Project, ID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Project < entries[j].Project
	})
	return json.Marshal(entries)
}

// UnmarshalJSON はエントリの配列を読み込みます
func (m *ReleaseMapping) UnmarshalJSON(data []byte) error {
	var entries []releaseEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	if *m == nil {
		*m = make(ReleaseMapping, len(entries))
	}
	for _, e := range entries {
		(*m)[ReleaseKey{Name: e.Name, Project: e.Project}] = e.ID
	}
	return nil
}
