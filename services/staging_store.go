package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/juju/errors"

	"rallymigrate/config"
	"rallymigrate/utils"
)

// エクスポートしたレコードのディレクトリ (エンティティクラスごと)
const (
	ProjectDir = "project"
	ReleaseDir = "releases"
	ItemDir    = "items"
	PlanDir    = "plans"
)

// 単一ファイルとして保存するルックアップテーブル
const (
	PIHierarchyFile = "old_pi_hierarchy"
	EstimatesFile   = "preliminary.estimates"
	ProjectDictFile = "project.dict"
	ReleaseDictFile = "release.dict"
	ItemDictFile    = "item.dict"
	PlanDictFile    = "plan.dict"
)

var (
	recordDirs = []string{ProjectDir, ReleaseDir, ItemDir, PlanDir}
	dictFiles  = []string{ProjectDictFile, ReleaseDictFile, ItemDictFile, PlanDictFile}
)

// StagingStore はエクスポートしたレコードとマッピングの読み書きを担当します
type StagingStore struct {
	root string
}

// NewStagingStore は新しいステージングストアを作成します
func NewStagingStore(cfg *config.Config) *StagingStore {
	return &StagingStore{root: cfg.StagingDir}
}

// Root はステージングのルートディレクトリを返します
func (s *StagingStore) Root() string {
	return s.root
}

// Reset はレコードディレクトリを削除して作り直し、前回のマッピング表を削除します
func (s *StagingStore) Reset() error {
	for _, name := range dictFiles {
		if err := os.Remove(filepath.Join(s.root, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("マッピング削除エラー %s: %w", name, err)
		}
	}
	for _, dir := range recordDirs {
		path := filepath.Join(s.root, dir)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("ディレクトリ削除エラー %s: %w", path, err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("ディレクトリ作成エラー %s: %w", path, err)
		}
	}
	return nil
}

// WriteRecord は1レコードを移行元 ID をファイル名として保存します
func (s *StagingStore) WriteRecord(dir, id string, v interface{}) error {
	if err := s.writeFile(filepath.Join(s.root, dir, id), v); err != nil {
		return err
	}
	utils.LogDebug("%s/%s 保存完了", dir, id)
	return nil
}

// ReadRecords はディレクトリ内の全レコードをファイル名順に読み込みます
func ReadRecords[T any](s *StagingStore, dir string) ([]*T, error) {
	path := filepath.Join(s.root, dir)
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("ステージングディレクトリ %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("フォルダ読み取りエラー: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) != ".tmp" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*T, 0, len(names))
	for _, name := range names {
		v := new(T)
		if err := s.readFile(filepath.Join(path, name), v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteJSON は名前付きの単一ファイルを保存します
func (s *StagingStore) WriteJSON(name string, v interface{}) error {
	return s.writeFile(filepath.Join(s.root, name), v)
}

// ReadJSON は名前付きの単一ファイルを読み込みます
// ファイルが存在しない場合は NotFound エラーを返します
func (s *StagingStore) ReadJSON(name string, v interface{}) error {
	path := filepath.Join(s.root, name)
	if !s.Exists(name) {
		return errors.NotFoundf("ファイル %s", path)
	}
	return s.readFile(path, v)
}

// Exists は名前付きファイルが存在するかを返します (再開判定に使用)
func (s *StagingStore) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.root, name))
	return err == nil
}

// writeFile は一時ファイルに書き込んでからリネームします
func (s *StagingStore) writeFile(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("JSONエンコードエラー: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ディレクトリ作成エラー: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ファイル書き込みエラー %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("ファイル置換エラー %s: %w", path, err)
	}
	return nil
}

func (s *StagingStore) readFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みエラー %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("JSON解析エラー %s: %w", path, err)
	}
	return nil
}
