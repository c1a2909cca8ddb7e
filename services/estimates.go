package services

import (
	"github.com/shopspring/decimal"

	"rallymigrate/models"
)

// EstimateCatalogue は概算見積りの ObjectID→値 の表です (エクスポート時に保存)
type EstimateCatalogue map[string]decimal.Decimal

// CatalogueFromEstimates はカタログの表を作ります
func CatalogueFromEstimates(estimates []models.PreliminaryEstimate) EstimateCatalogue {
	out := make(EstimateCatalogue, len(estimates))
	for _, e := range estimates {
		out[e.ID()] = e.Value
	}
	return out
}

// BuildEstimateMap は移行元の各見積りを、値が最も近い移行先の見積りに対応付けます
// 差が同じ場合は移行先カタログの列挙順で先に見つかったものを採用します
func BuildEstimateMap(source EstimateCatalogue, dest []models.PreliminaryEstimate) models.IDMapping {
	out := make(models.IDMapping, len(source))
	for id, value := range source {
		best := -1
		var bestDiff decimal.Decimal
		for i, d := range dest {
			diff := d.Value.Sub(value).Abs()
			if best < 0 || diff.LessThan(bestDiff) {
				best, bestDiff = i, diff
			}
		}
		if best >= 0 {
			out[id] = dest[best].ID()
		}
	}
	return out
}
