package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DatagramsRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imu_datagrams_received_total",
		Help: "Total de datagramas UDP recibidos",
	})
	DatagramsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_datagrams_discarded_total",
		Help: "Datagramas descartados por formato inválido, por motivo",
	}, []string{"reason"})
	PacketsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_packets_accepted_total",
		Help: "Paquetes IMU2 aceptados por dispositivo",
	}, []string{"device"})
	BlocksLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_blocks_lost_total",
		Help: "Bloques perdidos (rellenados con ceros) por dispositivo",
	}, []string{"device"})
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_rows_written_total",
		Help: "Filas CSV escritas por dispositivo",
	}, []string{"device"})
	SequenceResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_sequence_resets_total",
		Help: "Reinicios de secuencia detectados por dispositivo",
	}, []string{"device"})
	DuplicateBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_duplicate_blocks_total",
		Help: "Bloques recibidos con la misma secuencia que el anterior",
	}, []string{"device"})
	SamplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_samples_dropped_total",
		Help: "Muestras descartadas por exceder el tamaño de bloque",
	}, []string{"device"})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_sink_errors_total",
		Help: "Errores al abrir o escribir el CSV de un dispositivo",
	}, []string{"device"})
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imu_publish_errors_total",
		Help: "Errores al publicar estado (redis) o resumen de sesión (grpc)",
	}, []string{"target"})
	SessionRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imu_session_rotations_total",
		Help: "Total de rotaciones de sesión",
	})
	SessionIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imu_session_index",
		Help: "Índice de la sesión activa",
	})
	ActiveDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imu_active_devices",
		Help: "Dispositivos con CSV abierto en la sesión activa",
	})
	DecodeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imu_decode_latency_seconds",
		Help:    "Latencia de decodificación + escritura por datagrama",
		Buckets: prometheus.ExponentialBuckets(0.000005, 4, 10),
	})
)

func ObserveDecodeLatency(start time.Time) {
	DecodeLatency.Observe(time.Since(start).Seconds())
}

// StartMetricsServer expone /metrics y /healthz. Devuelve el server para
// poder apagarlo con Shutdown.
func StartMetricsServer(port string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func StopMetricsServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
