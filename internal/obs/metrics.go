package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ReserveTotal  *prometheus.CounterVec // result=granted|denied|busy
	TouchTotal    *prometheus.CounterVec // result=success|gone
	FinalizeTotal *prometheus.CounterVec // result=success|gone
	ReleaseTotal  *prometheus.CounterVec // result=success|noop

	OpLatencyMS *prometheus.HistogramVec // op=reserve|touch|finalize|release

	DBBusyTotal *prometheus.CounterVec // op=reserve|touch|finalize|release

	PendingLeases prometheus.Gauge
	SweptTotal    prometheus.Counter

	StreamEventsTotal *prometheus.CounterVec // type=delta|done|tool_call|error|completed|malformed
	TurnOutcomeTotal  *prometheus.CounterVec // outcome=complete|error|empty|cancel
	ToolCallsTotal    *prometheus.CounterVec // result=success|failure
}

func NewMetrics() *Metrics {
	m := &Metrics{
		ReserveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_reserve_total",
				Help: "Total reservation attempts by result",
			},
			[]string{"result"},
		),
		TouchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_touch_total",
				Help: "Total heartbeat touches by result",
			},
			[]string{"result"},
		),
		FinalizeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_finalize_total",
				Help: "Total finalize attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_release_total",
				Help: "Total release attempts by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turn_op_latency_ms",
				Help:    "Latency of lease store operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		PendingLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turn_pending_leases",
			Help: "Number of currently pending (unexpired) reservations",
		}),
		SweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turn_swept_total",
			Help: "Total number of expired pending reservations removed by the sweeper",
		}),
		StreamEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_stream_events_total",
				Help: "Total upstream stream events decoded, by type",
			},
			[]string{"type"},
		),
		TurnOutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_outcome_total",
				Help: "Terminal outcome of follow-up turns",
			},
			[]string{"outcome"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turn_tool_calls_total",
				Help: "Total tool executions by result",
			},
			[]string{"result"},
		),
	}

	prometheus.MustRegister(
		m.ReserveTotal,
		m.TouchTotal,
		m.FinalizeTotal,
		m.ReleaseTotal,
		m.OpLatencyMS,
		m.DBBusyTotal,
		m.PendingLeases,
		m.SweptTotal,
		m.StreamEventsTotal,
		m.TurnOutcomeTotal,
		m.ToolCallsTotal,
	)

	return m
}
