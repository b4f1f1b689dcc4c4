// Package metrics 汇总交换代理暴露给 Prometheus 的指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SwapMetrics 聚合谈判、托管与轮询相关的指标。
type SwapMetrics struct {
	offers          *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	negotiations    *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	submitRetries   prometheus.Counter
	verifications   *prometheus.CounterVec
	pollPasses      prometheus.Counter
	pollDuration    prometheus.Histogram
	taskTransitions *prometheus.CounterVec
	activeTasks     prometheus.Gauge
	messages        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

var (
	swapOnce     sync.Once
	swapRegistry *SwapMetrics
)

// Swap 返回进程级的指标集合，首次调用时注册到默认 Registry。
func Swap() *SwapMetrics {
	swapOnce.Do(func() {
		swapRegistry = &SwapMetrics{
			offers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_offers_total",
				Help: "Offers sent to counterparties by template stage.",
			}, []string{"stage"}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_deal_decisions_total",
				Help: "Evaluated counterparty proposals by outcome.",
			}, []string{"outcome"}),
			negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_negotiation_transitions_total",
				Help: "Negotiation status transitions by target status.",
			}, []string{"status"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_chain_submissions_total",
				Help: "On-chain instruction submissions by instruction and result.",
			}, []string{"instruction", "result"}),
			submitRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "swapagent_submission_retries_total",
				Help: "Submissions retried after the validity window expired.",
			}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_escrow_verifications_total",
				Help: "Escrow verification attempts by result.",
			}, []string{"result"}),
			pollPasses: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "swapagent_poll_passes_total",
				Help: "Completed polling passes.",
			}),
			pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "swapagent_poll_pass_duration_seconds",
				Help:    "Duration of a polling pass.",
				Buckets: prometheus.DefBuckets,
			}),
			taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_polling_task_transitions_total",
				Help: "Polling task status changes by target status.",
			}, []string{"status"}),
			activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swapagent_polling_active_tasks",
				Help: "Polling tasks that are not yet terminal.",
			}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_inbound_messages_total",
				Help: "Inbound counterparty messages by processing result.",
			}, []string{"result"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapagent_http_requests_total",
				Help: "HTTP requests served by route, method and status code.",
			}, []string{"route", "method", "code"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "swapagent_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			swapRegistry.offers,
			swapRegistry.decisions,
			swapRegistry.negotiations,
			swapRegistry.submissions,
			swapRegistry.submitRetries,
			swapRegistry.verifications,
			swapRegistry.pollPasses,
			swapRegistry.pollDuration,
			swapRegistry.taskTransitions,
			swapRegistry.activeTasks,
			swapRegistry.messages,
			swapRegistry.httpRequests,
			swapRegistry.httpLatency,
		)
	})
	return swapRegistry
}

func label(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// ObserveOffer 记录一次发出的报价。
func (m *SwapMetrics) ObserveOffer(stage string) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(label(stage)).Inc()
}

// ObserveDecision 记录对方提案的评估结果。
func (m *SwapMetrics) ObserveDecision(accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

// ObserveNegotiationStatus 记录谈判状态迁移。
func (m *SwapMetrics) ObserveNegotiationStatus(status string) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(label(status)).Inc()
}

// ObserveSubmission 记录一次链上提交。
func (m *SwapMetrics) ObserveSubmission(instruction string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.submissions.WithLabelValues(label(instruction), result).Inc()
}

// ObserveSubmitRetry 记录因有效窗口过期而进行的重试。
func (m *SwapMetrics) ObserveSubmitRetry() {
	if m == nil {
		return
	}
	m.submitRetries.Inc()
}

// ObserveVerification 记录一次托管校验。
func (m *SwapMetrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(label(result)).Inc()
}

// ObservePollPass 记录一次轮询及当前活跃任务数。
func (m *SwapMetrics) ObservePollPass(duration time.Duration, active int) {
	if m == nil {
		return
	}
	m.pollPasses.Inc()
	m.pollDuration.Observe(duration.Seconds())
	m.activeTasks.Set(float64(active))
}

// ObserveTaskStatus 记录轮询任务状态变化。
func (m *SwapMetrics) ObserveTaskStatus(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(label(status)).Inc()
}

// ObserveMessage 记录入站消息处理结果。
func (m *SwapMetrics) ObserveMessage(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(label(result)).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *SwapMetrics) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(label(route), method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(label(route), method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
