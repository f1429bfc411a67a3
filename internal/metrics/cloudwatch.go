package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"cryptostream/config"
	"cryptostream/logger"
)

type cloudWatchState struct {
	client        cloudWatchAPI
	namespace     string
	dashboardName string
	region        string
}

// cloudWatchAPI is the subset of the CloudWatch client used here.
type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

var cwState atomic.Pointer[cloudWatchState]

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "CryptoStream",
		dashboardName: "CryptoStream",
	})
}

// InitCloudWatch creates the CloudWatch client and the service dashboard.
// When the AWS configuration cannot be loaded publishing stays disabled and
// metrics are only logged and exported to Prometheus.
func InitCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) {
	log := logger.GetLogger().WithComponent("cloudwatch")
	if !cfg.Enabled {
		log.Debug("CloudWatch publishing disabled")
		return
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}
	if awsCfg.Region != "" {
		region = awsCfg.Region
	}

	useCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg.Namespace, cfg.Dashboard, region)

	log.WithFields(logger.Fields{
		"region":    region,
		"namespace": cwState.Load().namespace,
	}).Info("initialized CloudWatch client")

	if err := PutDashboard(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

func useCloudWatch(client cloudWatchAPI, namespace, dashboard, region string) {
	state := cloudWatchState{}
	if current := cwState.Load(); current != nil {
		state = *current
	}
	state.client = client
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	state.region = region
	cwState.Store(&state)
}

// EmitMetric logs the metric locally, dispatches it to registered handlers and
// publishes it to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	metricEvent, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	numericValue, ok := toFloat64(metricEvent.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metricEvent.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}

	publishMetricDatum(context.Background(), metricEvent.Component, metricEvent.Name, numericValue, metricEvent.Fields)
}

// PublishReport is a logger.ReportSink. It forwards the scalar parts of the
// runtime report, plus warn and error totals, as one CloudWatch batch.
func PublishReport(fields logger.Fields) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String("report")}}
	var data []cwtypes.MetricDatum
	add := func(name string, v float64, unit cwtypes.StandardUnit) {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Unit:       unit,
			Value:      aws.Float64(v),
		})
	}

	for _, key := range []string{"goroutines", "memory_mb", "net_bytes_sent", "net_bytes_recv"} {
		if v, ok := toFloat64(fields[key]); ok {
			add(key, v, cwtypes.StandardUnitCount)
		}
	}
	if v, ok := toFloat64(fields["cpu_percent"]); ok {
		add("cpu_percent", v, cwtypes.StandardUnitPercent)
	}
	if warns, ok := fields["warns"].(map[string]int64); ok {
		add("warn_total", float64(logger.TotalCount(warns, "")), cwtypes.StandardUnitCount)
	}
	if errs, ok := fields["errors"].(map[string]int64); ok {
		add("error_total", float64(logger.TotalCount(errs, "")), cwtypes.StandardUnitCount)
	}

	publishMetrics(context.Background(), state, data)
}

// dashboardMetrics lists the widgets of the generated dashboard, one per
// metric name.
var dashboardMetrics = []struct {
	title  string
	metric string
	stat   string
}{
	{"Bus evictions", string(DropMetricBusEvicted), "Sum"},
	{"Malformed messages", string(DropMetricMalformed), "Sum"},
	{"Out of order candles", string(DropMetricOutOfOrder), "Sum"},
	{"Sink failures", string(DropMetricSinkFailed), "Sum"},
	{"Reconnects", "stream_reconnects", "Sum"},
	{"Rate limited", "rate_limit_exceeded", "Sum"},
	{"IP bans", "ip_ban", "Sum"},
	{"Spike alerts", "spike_alerts", "Sum"},
	{"CPU", "cpu_percent", "Average"},
	{"Memory MB", "memory_mb", "Average"},
}

type dashboardWidget struct {
	Type       string                 `json:"type"`
	X          int                    `json:"x"`
	Y          int                    `json:"y"`
	Width      int                    `json:"width"`
	Height     int                    `json:"height"`
	Properties map[string]interface{} `json:"properties"`
}

// DashboardBody renders the dashboard definition for the given namespace and
// region.
func DashboardBody(namespace, region string) ([]byte, error) {
	widgets := make([]dashboardWidget, 0, len(dashboardMetrics))
	for i, m := range dashboardMetrics {
		widgets = append(widgets, dashboardWidget{
			Type:   "metric",
			X:      (i % 2) * 12,
			Y:      (i / 2) * 6,
			Width:  12,
			Height: 6,
			Properties: map[string]interface{}{
				"title":   m.title,
				"region":  region,
				"stat":    m.stat,
				"period":  60,
				"view":    "timeSeries",
				"metrics": [][]interface{}{{map[string]string{
					"expression": fmt.Sprintf("SEARCH('{%s} MetricName=\"%s\"', '%s', 60)", namespace, m.metric, m.stat),
					"id":         fmt.Sprintf("e%d", i),
				}}},
			},
		})
	}
	return json.Marshal(map[string]interface{}{"widgets": widgets})
}

// PutDashboard creates or replaces the configured CloudWatch dashboard.
func PutDashboard(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := DashboardBody(state.namespace, state.region)
	if err != nil {
		return fmt.Errorf("render dashboard: %w", err)
	}

	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(string(body)),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard")
	return nil
}

func publishMetricDatum(ctx context.Context, component, metric string, value float64, fields logger.Fields) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	unit := cwtypes.StandardUnitCount
	if rawUnit, ok := fields["unit"]; ok {
		if unitStr, ok := rawUnit.(string); ok {
			if parsedUnit, found := metricUnitFromString(unitStr); found {
				unit = parsedUnit
			} else {
				logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metric, "unit": unitStr}).Debug("unsupported metric unit; defaulting to Count")
			}
		}
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dimensions(component, fields),
		Unit:       unit,
		Value:      aws.Float64(value),
	}}
	publishMetrics(ctx, state, data)
}

// dimensions turns string fields into CloudWatch dimensions. symbol is left
// out to bound cardinality.
func dimensions(component string, fields logger.Fields) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		switch k {
		case "metric", "metric_type", "value", "unit", "symbol":
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	return dims
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	logger.GetLogger().WithComponent("cloudwatch").WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "ms", "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
