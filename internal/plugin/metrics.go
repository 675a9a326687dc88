package plugin

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the lifecycle collectors of a Manager.
type Metrics struct {
	Loads        *prometheus.CounterVec
	Unloads      *prometheus.CounterVec
	Reloads      *prometheus.CounterVec
	LoadDuration prometheus.Histogram
	Active       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered. Collectors that reg already holds are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_plugin_loads_total",
			Help: "Plugin load attempts by result.",
		}, []string{"result"}),
		Unloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_plugin_unloads_total",
			Help: "Plugin unloads by result.",
		}, []string{"result"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_plugin_reloads_total",
			Help: "Plugin reloads by result.",
		}, []string{"result"}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_plugin_load_duration_seconds",
			Help:    "Time spent loading a plugin, including its init hook.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crm_plugin_active",
			Help: "Number of loaded plugins.",
		}),
	}
	if reg == nil {
		return m
	}

	m.Loads = register(reg, m.Loads)
	m.Unloads = register(reg, m.Unloads)
	m.Reloads = register(reg, m.Reloads)
	m.LoadDuration = register(reg, m.LoadDuration)
	m.Active = register(reg, m.Active)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// resultLabel names the outcome of an operation for metric labels.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrResolutionDenied:
		return "resolution"
	case ErrManifest:
		return "manifest"
	case ErrCompile:
		return "compile"
	case ErrRuntime:
		return "runtime"
	case ErrTimeout:
		return "timeout"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidDescriptor:
		return "invalid"
	case ErrAlreadyLoaded:
		return "already_loaded"
	case ErrInterrupted:
		return "interrupted"
	default:
		return "error"
	}
}
