package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"rallymigrate/models"
)

func estimate(id int64, value string) models.PreliminaryEstimate {
	return models.PreliminaryEstimate{ObjectID: id, Value: decimal.RequireFromString(value)}
}

func TestBuildEstimateMap_Nearest(t *testing.T) {
	source := EstimateCatalogue{
		"1": decimal.RequireFromString("1"),
		"2": decimal.RequireFromString("8"),
		"3": decimal.RequireFromString("21"),
	}
	dest := []models.PreliminaryEstimate{
		estimate(10, "2"),
		estimate(11, "5"),
		estimate(12, "13"),
	}

	got := BuildEstimateMap(source, dest)
	assert.Equal(t, models.IDMapping{"1": "10", "2": "11", "3": "12"}, got)
}

func TestBuildEstimateMap_TieFirstWins(t *testing.T) {
	source := EstimateCatalogue{"1": decimal.RequireFromString("4")}
	dest := []models.PreliminaryEstimate{
		estimate(20, "6"),
		estimate(21, "2"),
	}
	assert.Equal(t, "20", BuildEstimateMap(source, dest)["1"])

	dest[0], dest[1] = dest[1], dest[0]
	assert.Equal(t, "21", BuildEstimateMap(source, dest)["1"])
}

func TestBuildEstimateMap_Idempotent(t *testing.T) {
	source := EstimateCatalogue{"1": decimal.RequireFromString("0.5"), "2": decimal.RequireFromString("3")}
	dest := []models.PreliminaryEstimate{estimate(30, "1"), estimate(31, "3")}

	first := BuildEstimateMap(source, dest)
	assert.Equal(t, first, BuildEstimateMap(source, dest))
}

func TestBuildEstimateMap_EmptyDestination(t *testing.T) {
	source := EstimateCatalogue{"1": decimal.RequireFromString("1")}
	assert.Empty(t, BuildEstimateMap(source, nil))
}
