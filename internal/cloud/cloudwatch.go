package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchAPI is the subset of the CloudWatch client used here.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// CloudWatch fetches metric statistics.
type CloudWatch struct {
	api    CloudWatchAPI
	logger *slog.Logger
}

// NewCloudWatch creates a metrics collaborator.
func NewCloudWatch(api CloudWatchAPI, logger *slog.Logger) *CloudWatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{api: api, logger: logger.With("component", "cloudwatch")}
}

// Dimension is a metric dimension key/value pair.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MetricQuery parameterizes a statistics request.
type MetricQuery struct {
	Namespace  string
	Metric     string
	Dimensions []Dimension
	Start      time.Time
	End        time.Time
	Period     time.Duration
	Statistics []string // Average, Maximum, Minimum, Sum
}

// Datapoint is one sample. Statistics not requested are nil.
type Datapoint struct {
	Timestamp time.Time `json:"timestamp"`
	Average   *float64  `json:"average,omitempty"`
	Maximum   *float64  `json:"maximum,omitempty"`
	Minimum   *float64  `json:"minimum,omitempty"`
	Sum       *float64  `json:"sum,omitempty"`
	Unit      string    `json:"unit,omitempty"`
}

// Statistics returns datapoints ordered by timestamp.
func (c *CloudWatch) Statistics(ctx context.Context, q MetricQuery) ([]Datapoint, error) {
	input := &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(q.Namespace),
		MetricName: aws.String(q.Metric),
		StartTime:  aws.Time(q.Start),
		EndTime:    aws.Time(q.End),
		Period:     aws.Int32(int32(q.Period / time.Second)),
	}
	for _, d := range q.Dimensions {
		input.Dimensions = append(input.Dimensions, cwtypes.Dimension{
			Name:  aws.String(d.Name),
			Value: aws.String(d.Value),
		})
	}
	for _, s := range q.Statistics {
		input.Statistics = append(input.Statistics, cwtypes.Statistic(s))
	}

	out, err := c.api.GetMetricStatistics(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get metric statistics %s/%s: %w", q.Namespace, q.Metric, err)
	}

	points := make([]Datapoint, 0, len(out.Datapoints))
	for _, dp := range out.Datapoints {
		points = append(points, Datapoint{
			Timestamp: aws.ToTime(dp.Timestamp),
			Average:   dp.Average,
			Maximum:   dp.Maximum,
			Minimum:   dp.Minimum,
			Sum:       dp.Sum,
			Unit:      string(dp.Unit),
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	c.logger.Debug("metric statistics fetched",
		"namespace", q.Namespace,
		"metric", q.Metric,
		"datapoints", len(points),
	)
	return points, nil
}

// Summary aggregates datapoints. A missing statistic on a datapoint
// counts as zero.
type Summary struct {
	Datapoints int     `json:"datapoints"`
	Average    float64 `json:"average"`
	Maximum    float64 `json:"maximum"`
	Minimum    float64 `json:"minimum"`
	Sum        float64 `json:"sum"`
}

// Summarize computes the mean of averages, the max of maxima, the min
// of minima and the total of sums.
func Summarize(points []Datapoint) Summary {
	s := Summary{Datapoints: len(points)}
	if len(points) == 0 {
		return s
	}
	var avgTotal float64
	for i, p := range points {
		avg, maxV, minV, sum := deref(p.Average), deref(p.Maximum), deref(p.Minimum), deref(p.Sum)
		avgTotal += avg
		s.Sum += sum
		if i == 0 || maxV > s.Maximum {
			s.Maximum = maxV
		}
		if i == 0 || minV < s.Minimum {
			s.Minimum = minV
		}
	}
	s.Average = avgTotal / float64(len(points))
	return s
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
