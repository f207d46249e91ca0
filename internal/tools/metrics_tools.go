package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nikhil-bora/finops-agent/internal/cloud"
)

const metricCPU = "CPUUtilization"

var ec2Metrics = []string{metricCPU, "NetworkIn", "NetworkOut"}

// resourceMetrics describes how to query one service's CloudWatch
// metrics for a resource id.
type resourceMetrics struct {
	Namespace string
	Dimension string
	Metrics   []string
}

var serviceMetrics = map[string]resourceMetrics{
	"rds": {
		Namespace: "AWS/RDS",
		Dimension: "DBInstanceIdentifier",
		Metrics:   []string{"CPUUtilization", "DatabaseConnections", "FreeableMemory", "ReadIOPS", "WriteIOPS", "ReadLatency", "WriteLatency"},
	},
	"lambda": {
		Namespace: "AWS/Lambda",
		Dimension: "FunctionName",
		Metrics:   []string{"Invocations", "Duration", "Errors", "Throttles", "ConcurrentExecutions"},
	},
	"ebs": {
		Namespace: "AWS/EBS",
		Dimension: "VolumeId",
		Metrics:   []string{"VolumeReadBytes", "VolumeWriteBytes", "VolumeReadOps", "VolumeWriteOps", "VolumeThroughputPercentage", "VolumeIdleTime"},
	},
	"elb": {
		Namespace: "AWS/ELB",
		Dimension: "LoadBalancerName",
		Metrics:   []string{"RequestCount", "HealthyHostCount", "UnHealthyHostCount", "Latency", "HTTPCode_Backend_2XX", "HTTPCode_Backend_5XX"},
	},
	"alb": {
		Namespace: "AWS/ApplicationELB",
		Dimension: "LoadBalancer",
		Metrics:   []string{"RequestCount", "TargetResponseTime", "ActiveConnectionCount", "HTTPCode_Target_2XX_Count", "HTTPCode_Target_5XX_Count"},
	},
	"s3": {
		Namespace: "AWS/S3",
		Dimension: "BucketName",
		Metrics:   []string{"BucketSizeBytes", "NumberOfObjects"},
	},
	"dynamodb": {
		Namespace: "AWS/DynamoDB",
		Dimension: "TableName",
		Metrics:   []string{"ConsumedReadCapacityUnits", "ConsumedWriteCapacityUnits", "UserErrors", "SystemErrors", "ThrottledRequests"},
	},
	"elasticache": {
		Namespace: "AWS/ElastiCache",
		Dimension: "CacheClusterId",
		Metrics:   []string{"CPUUtilization", "NetworkBytesIn", "NetworkBytesOut", "CurrConnections", "Evictions", "CacheHits", "CacheMisses"},
	},
}

// ServiceTypes returns the service types get_multi_resource_metrics
// accepts, sorted.
func ServiceTypes() []string {
	types := make([]string, 0, len(serviceMetrics))
	for t := range serviceMetrics {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// metricFetchLimit bounds concurrent CloudWatch calls within one tool.
const metricFetchLimit = 4

func (r *Registry) registerMetricTools() error {
	tools := []*Tool{
		{
			Name:        "get_ec2_utilization",
			Description: "Get EC2 instance utilization from CloudWatch (CPU, network in/out). Use this to analyze actual resource usage and identify underutilized instances. The sampling period is chosen from the window length.",
			Parameters: object(map[string]any{
				"instance_ids": strList("EC2 instance IDs to analyze"),
				"start_time":   str("Start time in ISO 8601 format"),
				"end_time":     str("End time in ISO 8601 format"),
			}, "instance_ids", "start_time", "end_time"),
			Handler: r.handleEC2Utilization,
		},
		{
			Name:        "correlate_cost_utilization",
			Description: "Correlate EC2 costs from CUR with CloudWatch CPU utilization to produce rightsizing recommendations and potential savings per instance.",
			Parameters: object(map[string]any{
				"instance_ids": strList("EC2 instance IDs to analyze"),
				"start_date":   str("Start date YYYY-MM-DD"),
				"end_date":     str("End date YYYY-MM-DD"),
			}, "instance_ids", "start_date", "end_date"),
			Handler: r.handleCorrelate,
		},
		{
			Name:        "get_resource_utilization",
			Description: "Get CloudWatch statistics for any AWS metric (RDS, ELB, Lambda, etc.). Useful for analyzing utilization patterns across services.",
			Parameters: object(map[string]any{
				"namespace":   str("CloudWatch namespace (default AWS/EC2), e.g. AWS/RDS, AWS/Lambda"),
				"metric_name": str("Metric name, e.g. CPUUtilization, DatabaseConnections"),
				"dimensions": map[string]any{
					"type": "array",
					"items": object(map[string]any{
						"name":  map[string]any{"type": "string"},
						"value": map[string]any{"type": "string"},
					}, "name", "value"),
					"description": `Dimensions to filter, e.g. [{"name": "InstanceId", "value": "i-123"}]`,
				},
				"start_time": str("Start time in ISO 8601 format"),
				"end_time":   str("End time in ISO 8601 format"),
				"period":     number("Period in seconds (default 3600)"),
			}, "metric_name", "start_time", "end_time"),
			Handler: r.handleResourceUtilization,
		},
		{
			Name:        "get_multi_resource_metrics",
			Description: "Get every relevant CloudWatch metric for several resources of one service type: RDS, Lambda, EBS, ELB, ALB, S3, DynamoDB or ElastiCache. This is the primary tool for non-EC2 utilization analysis.",
			Parameters: object(map[string]any{
				"service_type": str("Type of AWS service, one of: " + strings.Join(ServiceTypes(), ", ")),
				"resource_ids": strList("Resource identifiers: RDS DBInstanceIdentifier, Lambda FunctionName, EBS VolumeId, ELB LoadBalancerName, ALB LoadBalancer, S3 BucketName, DynamoDB TableName, ElastiCache CacheClusterId"),
				"start_time":   str("Start time in ISO 8601 format, e.g. 2024-01-01T00:00:00Z"),
				"end_time":     str("End time in ISO 8601 format, e.g. 2024-01-31T23:59:59Z"),
			}, "service_type", "resource_ids", "start_time", "end_time"),
			Handler: r.handleMultiResource,
		},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// metricStats summarizes one metric's datapoints. Statistics are nil
// when no datapoint carried them.
type metricStats struct {
	Datapoints int      `json:"datapoints"`
	Average    *float64 `json:"average"`
	Maximum    *float64 `json:"maximum"`
	Minimum    *float64 `json:"minimum"`
	Sum        *float64 `json:"sum,omitempty"`
	Note       string   `json:"note,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func summarizeStats(points []cloud.Datapoint, withSum bool) metricStats {
	s := metricStats{Datapoints: len(points)}
	var avgTotal, sum float64
	avgCount := 0
	for _, p := range points {
		if p.Average != nil {
			avgTotal += *p.Average
			avgCount++
		}
		if p.Maximum != nil && (s.Maximum == nil || *p.Maximum > *s.Maximum) {
			v := *p.Maximum
			s.Maximum = &v
		}
		if p.Minimum != nil && (s.Minimum == nil || *p.Minimum < *s.Minimum) {
			v := *p.Minimum
			s.Minimum = &v
		}
		if p.Sum != nil {
			sum += *p.Sum
		}
	}
	if avgCount > 0 {
		avg := avgTotal / float64(avgCount)
		s.Average = &avg
	}
	if withSum && len(points) > 0 {
		s.Sum = &sum
	}
	return s
}

type instanceUtilization struct {
	Info    *cloud.Instance        `json:"instance_info,omitempty"`
	Metrics map[string]metricStats `json:"metrics"`
}

// ec2Utilization fetches CPU and network statistics per instance.
// Stopped instances are not queried. Per-metric failures are recorded
// on the metric rather than failing the whole call.
func (r *Registry) ec2Utilization(ctx context.Context, ids []string, start, end time.Time) (map[string]*instanceUtilization, time.Duration, error) {
	if r.deps.Metrics == nil {
		return nil, 0, unavailable("get_ec2_utilization", "CloudWatch")
	}
	period := SamplingPeriod(end.Sub(start))

	var infos map[string]cloud.Instance
	if r.deps.Instances != nil {
		var err error
		infos, err = r.deps.Instances.DescribeInstances(ctx, ids)
		if err != nil {
			r.logger.Warn("could not check instance states", "error", err)
		}
	}

	results := make(map[string]*instanceUtilization, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metricFetchLimit)

	for _, id := range ids {
		u := &instanceUtilization{Metrics: make(map[string]metricStats, len(ec2Metrics))}
		if info, ok := infos[id]; ok {
			u.Info = &info
		}
		results[id] = u

		if u.Info != nil && u.Info.Stopped() {
			for _, m := range ec2Metrics {
				u.Metrics[m] = metricStats{Note: "Instance is stopped - no metrics available"}
			}
			continue
		}

		for _, m := range ec2Metrics {
			g.Go(func() error {
				stats := r.fetchEC2Metric(gctx, id, m, u.Info, start, end, period)
				mu.Lock()
				u.Metrics[m] = stats
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return results, period, nil
}

func (r *Registry) fetchEC2Metric(ctx context.Context, id, metric string, info *cloud.Instance, start, end time.Time, period time.Duration) metricStats {
	points, err := r.deps.Metrics.Statistics(ctx, cloud.MetricQuery{
		Namespace:  "AWS/EC2",
		Metric:     metric,
		Dimensions: []cloud.Dimension{{Name: "InstanceId", Value: id}},
		Start:      start,
		End:        end,
		Period:     period,
		Statistics: []string{"Average", "Maximum", "Minimum"},
	})
	if err != nil {
		return metricStats{Error: err.Error()}
	}
	if len(points) == 0 {
		return metricStats{Note: r.noDataDiagnostic(info, end, period)}
	}
	return summarizeStats(points, false)
}

// noDataDiagnostic explains an empty metric where a likely cause is
// known.
func (r *Registry) noDataDiagnostic(info *cloud.Instance, end time.Time, period time.Duration) string {
	msg := "No data available"
	if period == oneMinutePeriod && info != nil && info.Monitoring == "disabled" {
		msg = "Detailed monitoring (1-min) disabled. Enable detailed monitoring or use longer time range."
	}
	if r.now().Sub(end) < metricsPublishLag {
		msg += " Metrics may have 5-15 min delay."
	}
	return msg
}

func (r *Registry) handleEC2Utilization(ctx context.Context, args map[string]any) (any, error) {
	start, err := timeArg(args, "start_time")
	if err != nil {
		return nil, err
	}
	end, err := timeArg(args, "end_time")
	if err != nil {
		return nil, err
	}
	ids := stringsArg(args, "instance_ids")
	util, period, err := r.ec2Utilization(ctx, ids, start, end)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"start_time":     start.Format(time.RFC3339),
		"end_time":       end.Format(time.RFC3339),
		"period_seconds": int(period / time.Second),
		"instances":      util,
	}, nil
}

func correlateCostSQL(table string, ids []string, period cloud.DateInterval) string {
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		quoted = append(quoted, "'"+strings.ReplaceAll(id, "'", "''")+"'")
	}
	return fmt.Sprintf(`SELECT
  "lineitem/resourceid" AS instance_id,
  ROUND(SUM("lineitem/unblendedcost"), 2) AS total_cost,
  COUNT(*) AS hours
FROM %s
WHERE "lineitem/resourceid" IN (%s)
  AND "lineitem/usagestartdate" >= DATE('%s')
  AND "lineitem/usagestartdate" < DATE('%s')
  AND "lineitem/productcode" = 'AmazonEC2'
GROUP BY "lineitem/resourceid"`, table, strings.Join(quoted, ", "), dateString(period.Start), dateString(period.End))
}

// instanceCosts looks up per-instance spend in CUR. A failed lookup
// degrades to no costs so the utilization half still returns.
func (r *Registry) instanceCosts(ctx context.Context, ids []string, period cloud.DateInterval) map[string]float64 {
	costs := make(map[string]float64, len(ids))
	if r.deps.CUR == nil {
		addWarning(ctx, Warning{Field: "cost", Message: "CUR is not configured; costs are reported as 0"})
		return costs
	}
	res, err := r.deps.CUR.Query(ctx, correlateCostSQL(r.deps.CURTable, ids, period))
	if err != nil {
		r.logger.Warn("CUR cost lookup failed, continuing without costs", "error", err)
		addWarning(ctx, Warning{Field: "cost", Message: "CUR cost lookup failed; costs are reported as 0: " + err.Error()})
		return costs
	}
	for _, row := range res.Rows {
		id, cost := row["instance_id"], row["total_cost"]
		if id == nil || cost == nil {
			continue
		}
		if v, err := strconv.ParseFloat(*cost, 64); err == nil {
			costs[*id] = v
		}
	}
	return costs
}

func (r *Registry) handleCorrelate(ctx context.Context, args map[string]any) (any, error) {
	period, err := periodArgs(args)
	if err != nil {
		return nil, err
	}
	ids := stringsArg(args, "instance_ids")

	costs := r.instanceCosts(ctx, ids, period)

	metricsEnd := period.End.Add(day - time.Second)
	util, _, err := r.ec2Utilization(ctx, ids, period.Start, metricsEnd)
	if err != nil {
		return nil, err
	}
	return correlate(ids, costs, util), nil
}

func (r *Registry) handleResourceUtilization(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Metrics == nil {
		return nil, unavailable("get_resource_utilization", "CloudWatch")
	}
	start, err := timeArg(args, "start_time")
	if err != nil {
		return nil, err
	}
	end, err := timeArg(args, "end_time")
	if err != nil {
		return nil, err
	}
	namespace := stringArgOr(args, "namespace", "AWS/EC2")
	metric := stringArg(args, "metric_name")
	period := time.Duration(intArg(args, "period", 3600)) * time.Second
	if period <= 0 {
		period = time.Hour
	}

	var dims []cloud.Dimension
	if raw, ok := args["dimensions"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				dims = append(dims, cloud.Dimension{Name: stringArg(m, "name"), Value: stringArg(m, "value")})
			}
		}
	}

	points, err := r.deps.Metrics.Statistics(ctx, cloud.MetricQuery{
		Namespace:  namespace,
		Metric:     metric,
		Dimensions: dims,
		Start:      start,
		End:        end,
		Period:     period,
		Statistics: []string{"Average", "Maximum", "Minimum", "Sum"},
	})
	if err != nil {
		return nil, err
	}
	s := cloud.Summarize(points)
	return map[string]any{
		"metric":         metric,
		"namespace":      namespace,
		"period_seconds": int(period / time.Second),
		"datapoints":     len(points),
		"statistics": map[string]float64{
			"average": s.Average,
			"maximum": s.Maximum,
			"minimum": s.Minimum,
		},
		"datapointsData": points,
	}, nil
}

func (r *Registry) handleMultiResource(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Metrics == nil {
		return nil, unavailable("get_multi_resource_metrics", "CloudWatch")
	}
	serviceType := stringArg(args, "service_type")
	cfg, ok := serviceMetrics[serviceType]
	if !ok {
		return nil, &Failure{
			Kind:    KindUnsupported,
			Message: fmt.Sprintf("Unsupported service_type: %s. Supported: %v", serviceType, ServiceTypes()),
		}
	}
	start, err := timeArg(args, "start_time")
	if err != nil {
		return nil, err
	}
	end, err := timeArg(args, "end_time")
	if err != nil {
		return nil, err
	}
	period := SamplingPeriod(end.Sub(start))
	ids := stringsArg(args, "resource_ids")

	// The outer map is complete before any worker runs; workers only
	// write inner maps, under mu.
	results := make(map[string]map[string]metricStats, len(ids))
	for _, id := range ids {
		results[id] = make(map[string]metricStats, len(cfg.Metrics))
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metricFetchLimit)
	for _, id := range ids {
		for _, m := range cfg.Metrics {
			g.Go(func() error {
				var stats metricStats
				points, err := r.deps.Metrics.Statistics(gctx, cloud.MetricQuery{
					Namespace:  cfg.Namespace,
					Metric:     m,
					Dimensions: []cloud.Dimension{{Name: cfg.Dimension, Value: id}},
					Start:      start,
					End:        end,
					Period:     period,
					Statistics: []string{"Average", "Maximum", "Minimum", "Sum"},
				})
				switch {
				case err != nil:
					r.logger.Warn("metric fetch failed", "resource", id, "metric", m, "error", err)
					stats = metricStats{Error: err.Error()}
				case len(points) == 0:
					stats = metricStats{Note: "No data available"}
				default:
					stats = summarizeStats(points, true)
				}
				mu.Lock()
				results[id][m] = stats
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	return map[string]any{
		"service_type":   serviceType,
		"resource_count": len(ids),
		"period_seconds": int(period / time.Second),
		"metrics":        results,
		"time_range": map[string]string{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
		},
	}, nil
}
