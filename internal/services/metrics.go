package services

import (
	"discount-ledger/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics содержит счётчики операций ledger. Нулевой указатель допустим: метрики не пишутся.
type LedgerMetrics struct {
	issued       prometheus.Counter
	issuedAmount prometheus.Counter
	claims       *prometheus.CounterVec
	redemptions  *prometheus.CounterVec
	discount     *prometheus.CounterVec
}

// NewLedgerMetrics регистрирует счётчики в reg.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "gift_cards_issued_total",
			Help:      "Number of gift cards issued.",
		}),
		issuedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "gift_cards_issued_amount_total",
			Help:      "Total face value of issued gift cards.",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "code_redemptions_total",
			Help:      "Code entries by outcome.",
		}, []string{"outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "discount_applications_total",
			Help:      "Discount applications by card type and outcome.",
		}, []string{"type", "outcome"}),
		discount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "discount_amount_total",
			Help:      "Total discount granted by card type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.issued, m.issuedAmount, m.claims, m.redemptions, m.discount)
	return m
}

func (m *LedgerMetrics) observeIssue(amount float64) {
	if m == nil {
		return
	}
	m.issued.Inc()
	m.issuedAmount.Add(amount)
}

func (m *LedgerMetrics) observeClaim(outcome models.Outcome) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(string(outcome)).Inc()
}

func (m *LedgerMetrics) observeApply(cardType models.CardType, outcome models.Outcome, discount float64) {
	if m == nil {
		return
	}
	if cardType == "" {
		cardType = "unknown"
	}
	m.redemptions.WithLabelValues(string(cardType), string(outcome)).Inc()
	if outcome == models.OutcomeApplied {
		m.discount.WithLabelValues(string(cardType)).Add(discount)
	}
}
