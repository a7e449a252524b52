// Package metrics emits CloudWatch Embedded Metrics Format (EMF) documents.
// Each flush is a single JSON line on the emitter's writer; under Lambda that
// is stdout and CloudWatch extracts the metrics from the log stream. Locally
// the same lines can be sent to a file or discarded.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace used by the autotag binaries.
const Namespace = "CatalogAutotag"

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitPercent      = "Percent"
	UnitNone         = "None"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// Emitter writes EMF lines for one namespace. It is safe for concurrent use;
// the dispatcher's workers share one.
type Emitter struct {
	namespace string
	mu        sync.Mutex
	w         io.Writer
	defaults  map[string]string
}

// NewEmitter returns an emitter writing to w. A nil w discards everything.
// FunctionName is added as a default dimension when running under Lambda.
func NewEmitter(namespace string, w io.Writer) *Emitter {
	e := &Emitter{namespace: namespace, w: w, defaults: make(map[string]string)}
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		e.defaults["FunctionName"] = fn
	}
	return e
}

// Stdout returns the emitter used under Lambda.
func Stdout() *Emitter {
	return NewEmitter(Namespace, os.Stdout)
}

// Discard returns an emitter that drops every document.
func Discard() *Emitter {
	return NewEmitter(Namespace, nil)
}

// Record starts a new document.
func (e *Emitter) Record() *Recorder {
	r := &Recorder{
		emitter:    e,
		dimensions: make(map[string]string, len(e.defaults)+1),
		metrics:    make(map[string]metricDef),
		values:     make(map[string]any),
		properties: make(map[string]any),
	}
	for k, v := range e.defaults {
		r.dimensions[k] = v
	}
	return r
}

func (e *Emitter) write(line []byte) {
	if e == nil || e.w == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(line, '\n')); err != nil {
		log.Debug().Err(err).Msg("emf: write failed")
	}
}

// Recorder accumulates one EMF document. Not safe for concurrent use; create
// one per measurement.
type Recorder struct {
	emitter    *Emitter
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]any
	properties map[string]any
}

// Dimension adds an indexed dimension.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a value with one of the Unit constants.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count records a count of one.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Duration records d in milliseconds.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Milliseconds()), UnitMilliseconds)
}

// Property adds a searchable field that is not a metric.
func (r *Recorder) Property(key string, value any) *Recorder {
	r.properties[key] = value
	return r
}

// Flush writes the document. Recorders without metrics write nothing.
func (r *Recorder) Flush() {
	if len(r.metrics) == 0 {
		return
	}

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]metricDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.metrics[name])
	}

	dimKeys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		dimKeys = append(dimKeys, k)
	}
	sort.Strings(dimKeys)

	doc := make(map[string]any, len(r.dimensions)+len(r.values)+len(r.properties)+1)
	for k, v := range r.properties {
		doc[k] = v
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}
	doc["_aws"] = emfDirective{
		Timestamp: time.Now().UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  r.emitter.namespace,
			Dimensions: [][]string{dimKeys},
			Metrics:    defs,
		}},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		log.Warn().Err(err).Msg("emf: failed to marshal metrics")
		return
	}
	r.emitter.write(data)
}
