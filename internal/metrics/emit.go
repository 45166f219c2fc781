package metrics

import (
	"time"

	"crowdwatch/logger"
)

// EmitMetric logs the metric (which also publishes numeric values to
// CloudWatch when configured) and hands it to every registered handler.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	if metric == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	userFields := cloneFields(fields)
	log.LogMetric(component, metric, value, metricType, userFields)

	location, _ := userFields[logger.FieldLocation].(string)
	dispatchMetric(Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      metric,
		Value:     value,
		Type:      metricType,
		Location:  location,
		Fields:    userFields,
	})
}
