package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cycletime/internal/cycletime"
	"cycletime/internal/models"
)

func ct(pre, machine, post float64) *cycletime.CycleTime {
	return &cycletime.CycleTime{Pre: pre, Machine: machine, Post: post}
}

func TestUPH(t *testing.T) {
	assert.InDelta(t, 171.43, UPH(*ct(5, 12, 4), 1), 0.01)
	assert.InDelta(t, 342.86, UPH(*ct(5, 12, 4), 2), 0.01)
	assert.Equal(t, 0.0, UPH(*ct(0, 0, 0), 5))
}

func TestAggregateByStationIsMeanOfMeans(t *testing.T) {
	d := models.NewDate(2024, 1, 1)
	recs := []models.CycleRecord{
		{Date: d, Model: "X1", Station: "S1", Average: ct(4, 10, 4)},
		{Date: d, Model: "X1", Station: "S1", Average: ct(6, 14, 6)},
		{Date: d, Model: "X1", Station: "S2", Average: nil},
		{Date: d, Model: "Y2", Station: "S1", Average: ct(100, 100, 100)},
	}
	got := AggregateByStation(recs, "X1")
	require.Len(t, got, 1)
	assert.Equal(t, cycletime.CycleTime{Pre: 5, Machine: 12, Post: 5}, got["S1"])
}

func TestClassifyVsTargetBoundaryIsAbove(t *testing.T) {
	results := []StationResult{{Station: "A", UPH: 100}, {Station: "B", UPH: 99.9}, {Station: "C", UPH: 150}}
	above, below := ClassifyVsTarget(results, 100)
	require.Len(t, above, 2)
	assert.Equal(t, "A", above[0].Station)
	assert.Equal(t, "C", above[1].Station)
	require.Len(t, below, 1)
	assert.Equal(t, "B", below[0].Station)
}

func TestDefaultOutputs(t *testing.T) {
	d := models.NewDate(2024, 1, 1)
	recs := []models.CycleRecord{
		{Date: d, Model: "X1", Station: "S1", Output: "3.9"},
		{Date: d, Model: "X1", Station: "S1", Output: "8"},
		{Date: d, Model: "X1", Station: "S2", Output: "n/a"},
		{Date: d, Model: "X1", Station: "S3", Output: ""},
		{Date: d, Model: "Y2", Station: "S4", Output: "7"},
	}
	assert.Equal(t, map[string]int{"S1": 3, "S2": 1, "S3": 1}, DefaultOutputs(recs, "X1"))
}

func TestBuildReport(t *testing.T) {
	recs := []models.CycleRecord{
		{Date: models.NewDate(2024, 1, 1), Model: "X1", Station: "S2", Average: ct(5, 12, 4), Output: "2"},
		{Date: models.NewDate(2024, 1, 2), Model: "X1", Station: "S1", Average: ct(10, 20, 6)},
		{Date: models.NewDate(2024, 1, 5), Model: "X1", Station: "S3", Average: ct(1, 1, 1)},
		{Date: models.NewDate(2024, 1, 2), Model: "Y2", Station: "S9", Average: ct(1, 1, 1)},
	}
	rep := BuildReport(recs, ReportInput{
		Model:  "X1",
		From:   models.NewDate(2024, 1, 1),
		To:     models.NewDate(2024, 1, 2),
		Target: 150,
	})
	require.Len(t, rep.Stations, 2)
	assert.Equal(t, "S1", rep.Stations[0].Station)
	assert.Equal(t, "S2", rep.Stations[1].Station)
	assert.InDelta(t, 100, rep.Stations[0].UPH, 0.001)
	assert.Equal(t, 2, rep.Stations[1].Output)
	assert.InDelta(t, 342.857, rep.Stations[1].UPH, 0.001)
	assert.InDelta(t, 342.857, rep.Max, 0.001)
	assert.InDelta(t, 100, rep.Min, 0.001)
	assert.InDelta(t, (100+342.857)/2, rep.Avg, 0.001)
	assert.InDelta(t, rep.Avg-150, rep.VsTarget, 0.001)
	require.Len(t, rep.Above, 1)
	assert.Equal(t, "S2", rep.Above[0].Station)
	require.Len(t, rep.Below, 1)

	rep = BuildReport(recs, ReportInput{Model: "X1", To: models.NewDate(2024, 1, 2), Outputs: map[string]int{"S1": 4}})
	assert.Equal(t, 4, rep.Stations[0].Output)
	assert.InDelta(t, 400, rep.Stations[0].UPH, 0.001)
	assert.Empty(t, rep.Above, "no target means no classification")
	assert.Zero(t, rep.VsTarget)
}

func TestBuildReportEmpty(t *testing.T) {
	rep := BuildReport(nil, ReportInput{Model: "X1", Target: 10})
	assert.Empty(t, rep.Stations)
	assert.Zero(t, rep.Avg)
}
