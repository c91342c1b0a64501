package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/workitem"
)

// Reinjector schedules a recovered item for another run at the given
// time.
type Reinjector interface {
	Reinject(ctx context.Context, item *workitem.WorkItem, at time.Time) error
}

// Result describes how the analyzer handled one item.
type Result struct {
	Entry     *Entry
	Class     failure.Class
	Recovered bool
	RecoverAt time.Time
	Alerts    []*Alert
}

// Analyzer classifies dead-lettered items, tracks failure patterns and
// attempts bounded automatic recovery.
type Analyzer struct {
	cfg        fiscal.DeadLetterConfig
	svc        *Service
	agg        *Aggregator
	reinjector Reinjector
	sink       AlertSink
	clock      clock.Clock
	logger     *slog.Logger
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithAlertSink sets where alerts go.
func WithAlertSink(s AlertSink) AnalyzerOption {
	return func(a *Analyzer) { a.sink = s }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) AnalyzerOption {
	return func(a *Analyzer) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.logger = l }
}

// NewAnalyzer creates an analyzer. The aggregator is owned by the caller,
// which decides its lifecycle.
func NewAnalyzer(cfg fiscal.DeadLetterConfig, svc *Service, agg *Aggregator, r Reinjector, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		cfg:        cfg,
		svc:        svc,
		agg:        agg,
		reinjector: r,
		clock:      clock.System{},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Aggregator returns the analyzer's aggregator.
func (a *Analyzer) Aggregator() *Aggregator { return a.agg }

// Classify decides the class of a dead-lettered item. Keyword
// classification of the reason applies unless the failure was already
// typed permanent upstream.
func Classify(item *workitem.WorkItem) (reason string, class failure.Class) {
	reason = item.Meta(workitem.MetaReason)
	if reason == "" {
		reason = item.Meta(workitem.MetaLastError)
	}
	if reason == "" {
		reason = "unknown failure"
	}
	if failure.Class(item.Meta(workitem.MetaClass)) == failure.ClassPermanent {
		return reason, failure.ClassPermanent
	}
	return reason, failure.Classify(reason)
}

// Handle records, classifies and triages one dead-lettered item.
func (a *Analyzer) Handle(ctx context.Context, item *workitem.WorkItem) (*Result, error) {
	now := a.clock.Now()
	reason, class := Classify(item)

	recoveries, _ := strconv.Atoi(item.Meta(workitem.MetaRecoveries)) //nolint:errcheck // absent means zero
	exhausted := class != failure.ClassPermanent && recoveries >= a.cfg.MaxRecoveries

	entry, err := a.svc.Push(ctx, item, reason, class)
	if err != nil {
		return nil, fmt.Errorf("deadletter: record %s: %w", item.ID, err)
	}
	res := &Result{Entry: entry, Class: class}

	log := a.logger.With(
		slog.String("item_id", item.ID.String()),
		slog.String("tenant_id", item.TenantID),
		slog.String("operation", string(item.Operation)),
		slog.String("reason_class", string(class)),
	)

	a.observe(ctx, res, item, reason, class, now)

	switch {
	case class == failure.ClassPermanent:
		a.raise(ctx, res, a.itemAlert(AlertPermanentFailure, entry, now))
		log.Warn("dead letter is permanent", slog.String("reason", reason))
		return res, nil
	case exhausted:
		a.raise(ctx, res, a.itemAlert(AlertRecoveryExhausted, entry, now))
		log.Warn("dead letter recovery budget exhausted",
			slog.String("reason", reason),
			slog.Int("recoveries", recoveries),
		)
		return res, nil
	}

	cooldown := a.cfg.TransientCooldown
	if class == failure.ClassConfiguration {
		cooldown = a.cfg.ConfigurationCooldown
	}
	at := now.Add(cooldown)

	recovered := item.Clone()
	recovered.AttemptCount = 0
	recovered.NextAttemptAt = at
	recovered.SetMeta(workitem.MetaRecoveries, strconv.Itoa(recoveries+1))
	delete(recovered.Metadata, workitem.MetaReason)
	delete(recovered.Metadata, workitem.MetaClass)

	if err := a.reinjector.Reinject(ctx, recovered, at); err != nil {
		return res, fmt.Errorf("deadletter: reinject %s: %w", item.ID, err)
	}
	if err := a.svc.MarkRecovering(ctx, entry, at); err != nil {
		log.Error("failed to mark dead letter recovering", slog.String("error", err.Error()))
	}

	res.Recovered = true
	res.RecoverAt = at
	log.Info("dead letter scheduled for recovery",
		slog.Time("recover_at", at),
		slog.Int("recoveries", recoveries+1),
	)
	return res, nil
}

func (a *Analyzer) observe(ctx context.Context, res *Result, item *workitem.WorkItem, reason string, class failure.Class, now time.Time) {
	p, fresh := a.agg.Observe(Observation{
		TenantID:  item.TenantID,
		Operation: item.Operation,
		Reason:    reason,
		Class:     class,
		At:        now,
	}, a.cfg.MinObservations, a.cfg.PatternShare)
	if fresh {
		a.raise(ctx, res, &Alert{
			ID:        id.NewAlertID(),
			Kind:      AlertRecurringPattern,
			TenantID:  item.TenantID,
			Operation: item.Operation,
			Reason:    p.Reason,
			Class:     class,
			Share:     p.Share,
			Count:     int64(p.Count),
			At:        now,
		})
	}

	if n := a.agg.IncrementTenant(item.TenantID); n == int64(a.cfg.TenantThreshold) {
		a.raise(ctx, res, &Alert{
			ID:       id.NewAlertID(),
			Kind:     AlertTenantHealth,
			TenantID: item.TenantID,
			Count:    n,
			At:       now,
		})
	}
}

func (a *Analyzer) itemAlert(kind AlertKind, e *Entry, now time.Time) *Alert {
	return &Alert{
		ID:             id.NewAlertID(),
		Kind:           kind,
		TenantID:       e.TenantID,
		Operation:      e.Operation,
		ItemID:         e.ItemID,
		EntryID:        e.ID,
		CorrelationKey: e.CorrelationKey,
		Reason:         e.Reason,
		Class:          e.Class,
		Count:          int64(e.Recoveries),
		At:             now,
	}
}

func (a *Analyzer) raise(ctx context.Context, res *Result, al *Alert) {
	res.Alerts = append(res.Alerts, al)
	if a.sink != nil {
		a.sink.Alert(ctx, al)
	}
}
