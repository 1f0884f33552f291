package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hms/hms/internal/platform/apperr"
)

const namespace = "hms"

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// Workflow metrics
	patientsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patients_registered_total",
			Help:      "Total number of registered patients",
		},
		[]string{"patient_type"},
	)

	patientTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patient_transitions_total",
			Help:      "Total number of patient status transitions",
		},
		[]string{"from", "to"},
	)

	consultationsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultations_completed_total",
			Help:      "Total number of completed consultations",
		},
	)

	// Billing metrics
	paymentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "Total number of pending payments created",
		},
		[]string{"service_type"},
	)

	paymentsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_settled_total",
			Help:      "Total number of payments moved out of PENDING",
		},
		[]string{"service_type", "outcome", "method"},
	)

	paymentAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_amount_total",
			Help:      "Sum of settled payment amounts in the smallest currency unit",
		},
		[]string{"service_type"},
	)

	// Pharmacy metrics
	stockMovements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_movements_total",
			Help:      "Total number of pharmacy stock movements",
		},
		[]string{"movement_type"},
	)

	stockUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_units_moved_total",
			Help:      "Units moved in or out of pharmacy stock",
		},
		[]string{"movement_type"},
	)
)

// Handler serves the Prometheus exposition format.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// Middleware records request count, latency and in-flight requests, labelled
// by the matched route template to keep cardinality bounded.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if appErr, ok := apperr.As(err); ok {
					status = appErr.HTTPStatus
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// --- Business metric helpers ---

func RecordPatientRegistered(patientType string) {
	patientsRegistered.WithLabelValues(patientType).Inc()
}

func RecordTransition(from, to string) {
	patientTransitions.WithLabelValues(from, to).Inc()
}

func RecordConsultationCompleted() {
	consultationsCompleted.Inc()
}

func RecordPaymentCreated(serviceType string) {
	paymentsCreated.WithLabelValues(serviceType).Inc()
}

// RecordPaymentSettled counts a payment changing its final state. outcome is
// PAID, WAIVED or REFUNDED. Only PAID amounts count towards revenue.
func RecordPaymentSettled(serviceType, outcome, method string, amount int64) {
	paymentsSettled.WithLabelValues(serviceType, outcome, method).Inc()
	if outcome == "PAID" {
		paymentAmount.WithLabelValues(serviceType).Add(float64(amount))
	}
}

// RecordStockMovement counts one ledger row. quantity is signed; the unit
// counter takes its absolute value.
func RecordStockMovement(movementType string, quantity int) {
	stockMovements.WithLabelValues(movementType).Inc()
	if quantity < 0 {
		quantity = -quantity
	}
	stockUnits.WithLabelValues(movementType).Add(float64(quantity))
}
