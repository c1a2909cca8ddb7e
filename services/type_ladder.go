package services

import (
	"strings"

	"rallymigrate/models"
)

// RequirementPath はラダーに対応がない場合に作成するストーリーの型パスです
const RequirementPath = "hierarchicalrequirement"

// TypeLadder は移行元と移行先のポートフォリオアイテム型を階層 (Ordinal) で対応付けます
// 型名は環境ごとに異なり得るため、名前ではなく順位で対応させます
type TypeLadder struct {
	source map[string]int
	dest   map[int]string
}

// NewTypeLadder は移行元 (TypePath→Ordinal) と移行先の型定義からラダーを作ります
func NewTypeLadder(source map[string]int, dest []models.TypeDefinition) *TypeLadder {
	l := &TypeLadder{
		source: make(map[string]int, len(source)),
		dest:   make(map[int]string, len(dest)),
	}
	for typePath, ordinal := range source {
		l.source[strings.ToLower(typePath)] = ordinal
	}
	for _, d := range dest {
		path := d.TypePath
		if path == "" {
			path = "PortfolioItem/" + d.Name
		}
		l.dest[d.Ordinal] = path
	}
	return l
}

// LadderFromDefinitions はエクスポート用に TypePath→Ordinal の表を作ります
func LadderFromDefinitions(defs []models.TypeDefinition) map[string]int {
	out := make(map[string]int, len(defs))
	for _, d := range defs {
		out[d.TypePath] = d.Ordinal
	}
	return out
}

// Rank は移行元の型の順位を返します
func (l *TypeLadder) Rank(sourceType string) (int, bool) {
	r, ok := l.source[strings.ToLower(sourceType)]
	return r, ok
}

// Translate は移行元の型に対応する移行先の型パスを返します
// 順位が移行先に存在しない場合は ok=false を返します
func (l *TypeLadder) Translate(sourceType string) (string, bool) {
	rank, ok := l.Rank(sourceType)
	if !ok {
		return "", false
	}
	path, ok := l.dest[rank]
	return path, ok
}

// CreatePath は作成エンドポイントの型パスを返します (未対応ならストーリー)
func (l *TypeLadder) CreatePath(sourceType string) string {
	if path, ok := l.Translate(sourceType); ok {
		return strings.ToLower(path)
	}
	return RequirementPath
}
