package services

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"rallymigrate/models"
)

// Class はエンティティクラス (マッピング表の単位) です
type Class string

const (
	ClassProject Class = "project"
	ClassRelease Class = "release"
	ClassItem    Class = "item"
	ClassPlan    Class = "plan"
)

// DictFile はクラスのマッピング表のファイル名を返します
func (c Class) DictFile() string {
	switch c {
	case ClassProject:
		return ProjectDictFile
	case ClassRelease:
		return ReleaseDictFile
	case ClassItem:
		return ItemDictFile
	case ClassPlan:
		return PlanDictFile
	}
	return string(c) + ".dict"
}

// MigrationContext は1回の実行で使うマッピング表を保持し、全コンポーネントに渡されます
type MigrationContext struct {
	WorkspaceID   string
	RootProjectID string
	Ladder        *TypeLadder
	Estimates     models.IDMapping

	mu       sync.RWMutex
	projects models.IDMapping
	releases models.ReleaseMapping
	items    models.IDMapping
	plans    models.IDMapping

	misses atomic.Int64
}

// NewMigrationContext は空のマッピング表でコンテキストを作成します
// 移行先のルートプロジェクトは自分自身に対応付けられます
func NewMigrationContext(workspaceID, rootProjectID string) *MigrationContext {
	mc := &MigrationContext{
		WorkspaceID:   workspaceID,
		RootProjectID: rootProjectID,
		Ladder:        NewTypeLadder(nil, nil),
		Estimates:     models.IDMapping{},
		projects:      models.IDMapping{},
		releases:      models.ReleaseMapping{},
		items:         models.IDMapping{},
		plans:         models.IDMapping{},
	}
	if rootProjectID != "" {
		mc.projects[rootProjectID] = rootProjectID
	}
	return mc
}

func (mc *MigrationContext) table(c Class) models.IDMapping {
	switch c {
	case ClassProject:
		return mc.projects
	case ClassItem:
		return mc.items
	case ClassPlan:
		return mc.plans
	}
	return nil
}

// Set は移行元 ID と移行先 ID の対応を記録します
func (mc *MigrationContext) Set(c Class, sourceID, destID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.table(c)[sourceID] = destID
}

// Lookup は移行元 ID に対応する移行先 ID を返します
func (mc *MigrationContext) Lookup(c Class, sourceID string) (string, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	id, ok := mc.table(c)[sourceID]
	return id, ok
}

// SetRelease はリリースの複合キーと移行先 ID の対応を記録します
func (mc *MigrationContext) SetRelease(key models.ReleaseKey, destID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.releases[key] = destID
}

// LookupRelease は複合キーに対応する移行先リリース ID を返します
func (mc *MigrationContext) LookupRelease(key models.ReleaseKey) (string, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	id, ok := mc.releases[key]
	return id, ok
}

// Len はクラスのマッピング件数を返します
func (mc *MigrationContext) Len(c Class) int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if c == ClassRelease {
		return len(mc.releases)
	}
	return len(mc.table(c))
}

// Save はクラスのマッピング表をステージングに保存します
func (mc *MigrationContext) Save(store *StagingStore, c Class) error {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	var v interface{} = mc.table(c)
	if c == ClassRelease {
		v = mc.releases
	}
	return errors.Annotatef(store.WriteJSON(c.DictFile(), v), "%s マッピング保存", c)
}

// Load は保存済みのマッピング表を読み込みます
// ファイルが存在しない場合は false を返します
func (mc *MigrationContext) Load(store *StagingStore, c Class) (bool, error) {
	if !store.Exists(c.DictFile()) {
		return false, nil
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if c == ClassRelease {
		loaded := models.ReleaseMapping{}
		if err := store.ReadJSON(c.DictFile(), &loaded); err != nil {
			return false, errors.Trace(err)
		}
		for k, v := range loaded {
			mc.releases[k] = v
		}
		return true, nil
	}
	loaded := models.IDMapping{}
	if err := store.ReadJSON(c.DictFile(), &loaded); err != nil {
		return false, errors.Trace(err)
	}
	t := mc.table(c)
	for k, v := range loaded {
		t[k] = v
	}
	return true, nil
}

// Misses は参照解決に失敗した回数を返します
func (mc *MigrationContext) Misses() int64 {
	return mc.misses.Load()
}

// Resolver はコンテキストに対する参照リゾルバを返します
func (mc *MigrationContext) Resolver() Resolver {
	return Resolver{mc: mc}
}
