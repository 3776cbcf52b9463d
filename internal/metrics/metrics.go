package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qcan"

// Server side counters: bus backends and TCP clients of the network server.
var (
	BackendRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_rx_frames_total",
		Help:      "Total CAN frames received from a bus backend.",
	}, []string{"backend"})
	BackendTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_tx_frames_total",
		Help:      "Total CAN frames written to a bus backend.",
	}, []string{"backend"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tcp_rx_frames_total",
		Help:      "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tcp_tx_frames_total",
		Help:      "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_dropped_frames_total",
		Help:      "Total CAN frames dropped by a channel hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_kicked_clients_total",
		Help:      "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_rejected_clients_total",
		Help:      "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_active_clients",
		Help:      "Current number of connected clients per channel.",
	}, []string{"channel"})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_queue_depth_max",
		Help:      "Observed max queued frames among clients in the last sample.",
	})
	BusErrorFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_error_frames_total",
		Help:      "Total error frames read from a bus backend, by reported bus state.",
	}, []string{"state"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Total rejected wire records (bad checksum, truncated, invalid fields).",
	})
)

// Client side counters: channel sockets and dispatchers.
var (
	SocketRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_rx_frames_total",
		Help:      "Total frames queued by channel sockets.",
	})
	SocketTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_tx_frames_total",
		Help:      "Total frames handed to the transport by channel sockets.",
	})
	SocketFilteredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_filtered_frames_total",
		Help:      "Total queued frames discarded by socket filters.",
	})
	SocketDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_rx_dropped_total",
		Help:      "Total inbound frames dropped because the socket queue was full.",
	})
	DispatchDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_delivered_frames_total",
		Help:      "Total frames delivered to dispatcher handlers.",
	})
	DispatchDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_disconnects_total",
		Help:      "Total disconnect events emitted by dispatchers.",
	})
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrHandshake       = "handshake"
	ErrBackendRead     = "backend_read"
	ErrBackendWrite    = "backend_write"
	ErrBackendOverflow = "backend_tx_overflow"
	ErrLinkWrite       = "link_write"
	ErrLinkOverflow    = "link_tx_overflow"
	ErrLinkLost        = "link_lost"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localBackendRx   uint64
	localBackendTx   uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localErrors      uint64
	localMalformed   uint64
	localBusErrors   uint64
	localQDMax       uint64
	localSocketRx    uint64
	localSocketTx    uint64
	localSocketFilt  uint64
	localSocketDrop  uint64
	localDelivered   uint64
	localDisconnects uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BackendRx      uint64
	BackendTx      uint64
	TCPRx          uint64
	TCPTx          uint64
	HubDrops       uint64
	HubKicks       uint64
	HubRejects     uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
	BusErrors      uint64
	QueueDepthMax  uint64
	SocketRx       uint64
	SocketTx       uint64
	SocketFiltered uint64
	SocketDropped  uint64
	Delivered      uint64
	Disconnects    uint64
}

func Snap() Snapshot {
	return Snapshot{
		BackendRx:      atomic.LoadUint64(&localBackendRx),
		BackendTx:      atomic.LoadUint64(&localBackendTx),
		TCPRx:          atomic.LoadUint64(&localTCPRx),
		TCPTx:          atomic.LoadUint64(&localTCPTx),
		HubDrops:       atomic.LoadUint64(&localHubDrop),
		HubKicks:       atomic.LoadUint64(&localHubKick),
		HubRejects:     atomic.LoadUint64(&localHubReject),
		Errors:         atomic.LoadUint64(&localErrors),
		Malformed:      atomic.LoadUint64(&localMalformed),
		BusErrors:      atomic.LoadUint64(&localBusErrors),
		QueueDepthMax:  atomic.LoadUint64(&localQDMax),
		SocketRx:       atomic.LoadUint64(&localSocketRx),
		SocketTx:       atomic.LoadUint64(&localSocketTx),
		SocketFiltered: atomic.LoadUint64(&localSocketFilt),
		SocketDropped:  atomic.LoadUint64(&localSocketDrop),
		Delivered:      atomic.LoadUint64(&localDelivered),
		Disconnects:    atomic.LoadUint64(&localDisconnects),
	}
}

// IncBackendRx counts one frame read from the named backend (serial, socketcan, virtual).
func IncBackendRx(backend string) {
	BackendRxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBackendRx, 1)
}

func IncBackendTx(backend string) {
	BackendTxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBackendTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(channel string, n int) {
	HubActiveClients.WithLabelValues(channel).Set(float64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// IncBusError counts one error frame from a backend under its bus state.
func IncBusError(state string) {
	BusErrorFrames.WithLabelValues(state).Inc()
	atomic.AddUint64(&localBusErrors, 1)
}

// SetQueueDepth records the deepest client queue seen in the last sample.
func SetQueueDepth(max int) {
	HubQueueDepthMax.Set(float64(max))
	atomic.StoreUint64(&localQDMax, uint64(max))
}

func IncSocketRx() {
	SocketRxFrames.Inc()
	atomic.AddUint64(&localSocketRx, 1)
}

func IncSocketTx() {
	SocketTxFrames.Inc()
	atomic.AddUint64(&localSocketTx, 1)
}

func IncSocketFiltered() {
	SocketFilteredFrames.Inc()
	atomic.AddUint64(&localSocketFilt, 1)
}

func IncSocketDropped() {
	SocketDroppedFrames.Inc()
	atomic.AddUint64(&localSocketDrop, 1)
}

func IncDelivered() {
	DispatchDelivered.Inc()
	atomic.AddUint64(&localDelivered, 1)
}

func IncDisconnect() {
	DispatchDisconnects.Inc()
	atomic.AddUint64(&localDisconnects, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so the first error does not pay the registration cost.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrBackendRead, ErrBackendWrite, ErrBackendOverflow,
		ErrLinkWrite, ErrLinkOverflow, ErrLinkLost,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
