package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Accrual metrics
	OnlineSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_online_seconds_total",
			Help: "Total online seconds accrued per entity",
		},
		[]string{"entity", "type"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_messages_total",
			Help: "Total messages counted per entity and direction",
		},
		[]string{"entity", "direction"},
	)

	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_tokens_total",
			Help: "Total tokens counted per entity",
		},
		[]string{"entity"},
	)

	// Command boundary metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_commands_total",
			Help: "Total commands processed by type",
		},
		[]string{"type"},
	)

	UnknownCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwatch_unknown_commands_total",
			Help: "Commands received with an unrecognized type",
		},
	)

	// Persistence metrics
	FlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwatch_flushes_total",
			Help: "Total aggregate flushes to durable storage",
		},
	)

	FlushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwatch_flush_errors_total",
			Help: "Aggregate flushes that failed",
		},
	)

	DateRollovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwatch_date_rollovers_total",
			Help: "Calendar-day rollovers performed",
		},
	)

	// Reminder metrics
	RemindersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_reminders_fired_total",
			Help: "Reminder notifications fired by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		OnlineSecondsTotal,
		MessagesTotal,
		TokensTotal,
		CommandsTotal,
		UnknownCommands,
		FlushesTotal,
		FlushErrors,
		DateRollovers,
		RemindersFired,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
