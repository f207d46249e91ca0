package tools

import (
	"fmt"
	"math"
)

// Rightsizing recommendations.
const (
	RecUnderutilized = "Underutilized - consider downsizing"
	RecLowUtil       = "Low utilization - review workload"
	RecUpsize        = "High utilization - may need upsize"
	RecRightSized    = "Appropriately sized"
	RecNoData        = "No data - instance stopped or just started"
	RecInsufficient  = "Insufficient data - not enough CPU datapoints in the window"
)

// Recommend applies the rightsizing table to average and maximum CPU
// percentages and returns the recommendation with its estimated
// savings as a share of cost.
//
//	avg < 20 and max < 40   underutilized      50%
//	avg < 40 and max < 60   low utilization    25%
//	avg > 80                may need upsize     0
//	otherwise               appropriately sized 0
func Recommend(avgCPU, maxCPU, cost float64) (string, float64) {
	switch {
	case avgCPU < 20 && maxCPU < 40:
		return RecUnderutilized, cost * 0.5
	case avgCPU < 40 && maxCPU < 60:
		return RecLowUtil, cost * 0.25
	case avgCPU > 80:
		return RecUpsize, 0
	default:
		return RecRightSized, 0
	}
}

// Correlation is one instance's cost joined with its CPU utilization.
type Correlation struct {
	InstanceID       string   `json:"instance_id"`
	Cost             float64  `json:"cost"`
	AvgCPU           *float64 `json:"avg_cpu"`
	MaxCPU           *float64 `json:"max_cpu"`
	Datapoints       int      `json:"datapoints"`
	Recommendation   string   `json:"recommendation"`
	PotentialSavings float64  `json:"potential_savings"`
}

// CorrelationReport is the correlate_cost_utilization result.
type CorrelationReport struct {
	Analysis              []Correlation `json:"analysis"`
	TotalPotentialSavings float64       `json:"totalPotentialSavings"`
	Summary               string        `json:"summary"`
}

// correlate left-joins costs onto the requested instances and
// classifies each by its CPU statistics. Instances without a cost row
// cost 0; instances without utilization get a no-data recommendation.
func correlate(ids []string, costs map[string]float64, util map[string]*instanceUtilization) CorrelationReport {
	report := CorrelationReport{Analysis: make([]Correlation, 0, len(ids))}
	for _, id := range ids {
		c := Correlation{InstanceID: id, Cost: costs[id]}

		u := util[id]
		cpu, hasCPU := metricStats{}, false
		if u != nil {
			cpu, hasCPU = u.Metrics[metricCPU]
		}
		switch {
		case u == nil || !hasCPU || (u.Info != nil && u.Info.Stopped()):
			c.Recommendation = RecNoData
		case cpu.Error != "":
			c.Recommendation = "No data - metrics unavailable: " + cpu.Error
		case cpu.Datapoints == 0 || cpu.Average == nil || cpu.Maximum == nil:
			c.Datapoints = cpu.Datapoints
			c.Recommendation = RecInsufficient
		default:
			avg, maxCPU := round2(*cpu.Average), round2(*cpu.Maximum)
			c.AvgCPU, c.MaxCPU = &avg, &maxCPU
			c.Datapoints = cpu.Datapoints
			var savings float64
			c.Recommendation, savings = Recommend(*cpu.Average, *cpu.Maximum, c.Cost)
			c.PotentialSavings = round2(savings)
		}
		report.TotalPotentialSavings += c.PotentialSavings
		report.Analysis = append(report.Analysis, c)
	}
	report.TotalPotentialSavings = round2(report.TotalPotentialSavings)
	report.Summary = fmt.Sprintf("Analyzed %d instances. Total potential savings: $%.2f",
		len(report.Analysis), report.TotalPotentialSavings)
	return report
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
