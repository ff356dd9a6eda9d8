package metrics

import (
	"sort"
	"strconv"
	"strings"

	"cycletime/internal/cycletime"
	"cycletime/internal/models"
)

// UPH is units per hour for one cycle: 3600 / total seconds * output.
// A cycle with no duration yields 0.
func UPH(avg cycletime.CycleTime, output float64) float64 {
	total := avg.Total()
	if total <= 0 {
		return 0
	}
	return 3600.0 / total * output
}

// AggregateByStation averages the stored per-record averages of model by
// station. Records without an average are skipped. An empty model matches
// every record.
func AggregateByStation(records []models.CycleRecord, model string) map[string]cycletime.CycleTime {
	groups := map[string][]*cycletime.CycleTime{}
	for _, rec := range records {
		if model != "" && rec.Model != model {
			continue
		}
		if rec.Average == nil {
			continue
		}
		groups[rec.Station] = append(groups[rec.Station], rec.Average)
	}
	out := make(map[string]cycletime.CycleTime, len(groups))
	for station, avgs := range groups {
		if mean := cycletime.Average(avgs...); mean != nil {
			out[station] = *mean
		}
	}
	return out
}

type StationResult struct {
	Station string              `json:"station"`
	Average cycletime.CycleTime `json:"average"`
	Output  int                 `json:"output"`
	UPH     float64             `json:"uph"`
}

// ClassifyVsTarget splits results into stations at or above target and
// stations below it, keeping input order.
func ClassifyVsTarget(results []StationResult, target float64) (above, below []StationResult) {
	for _, r := range results {
		if r.UPH >= target {
			above = append(above, r)
		} else {
			below = append(below, r)
		}
	}
	return above, below
}

// DefaultOutputs takes the first recorded output per station of model as
// that station's unit count. Missing or unparseable outputs count as 1.
func DefaultOutputs(records []models.CycleRecord, model string) map[string]int {
	out := map[string]int{}
	for _, rec := range records {
		if model != "" && rec.Model != model {
			continue
		}
		if _, seen := out[rec.Station]; seen {
			continue
		}
		out[rec.Station] = parseOutput(rec.Output)
	}
	return out
}

func parseOutput(s string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || int(f) < 1 {
		return 1
	}
	return int(f)
}

type ReportInput struct {
	Model   string
	From    models.Date
	To      models.Date
	Target  float64
	Outputs map[string]int
}

type Report struct {
	Model    string          `json:"model"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Target   float64         `json:"target"`
	Stations []StationResult `json:"stations"`
	Avg      float64         `json:"avg_uph"`
	Max      float64         `json:"max_uph"`
	Min      float64         `json:"min_uph"`
	VsTarget float64         `json:"vs_target"`
	Above    []StationResult `json:"above,omitempty"`
	Below    []StationResult `json:"below,omitempty"`
}

// BuildReport computes per-station UPH for one model over an inclusive date
// range. Outputs override the recorded defaults per station. Above and Below
// are only filled when Target is positive.
func BuildReport(records []models.CycleRecord, in ReportInput) Report {
	var scoped []models.CycleRecord
	for _, rec := range records {
		if !in.From.IsZero() && rec.Date.Before(in.From) {
			continue
		}
		if !in.To.IsZero() && rec.Date.After(in.To) {
			continue
		}
		scoped = append(scoped, rec)
	}

	defaults := DefaultOutputs(scoped, in.Model)
	rep := Report{Model: in.Model, From: in.From.String(), To: in.To.String(), Target: in.Target}
	for station, avg := range AggregateByStation(scoped, in.Model) {
		output := defaults[station]
		if o, ok := in.Outputs[station]; ok && o >= 1 {
			output = o
		}
		if output < 1 {
			output = 1
		}
		rep.Stations = append(rep.Stations, StationResult{
			Station: station,
			Average: avg,
			Output:  output,
			UPH:     UPH(avg, float64(output)),
		})
	}
	sort.Slice(rep.Stations, func(i, j int) bool { return rep.Stations[i].Station < rep.Stations[j].Station })
	if len(rep.Stations) == 0 {
		return rep
	}

	rep.Max, rep.Min = rep.Stations[0].UPH, rep.Stations[0].UPH
	var sum float64
	for _, s := range rep.Stations {
		sum += s.UPH
		if s.UPH > rep.Max {
			rep.Max = s.UPH
		}
		if s.UPH < rep.Min {
			rep.Min = s.UPH
		}
	}
	rep.Avg = sum / float64(len(rep.Stations))
	if in.Target > 0 {
		rep.VsTarget = rep.Avg - in.Target
		rep.Above, rep.Below = ClassifyVsTarget(rep.Stations, in.Target)
	}
	return rep
}
