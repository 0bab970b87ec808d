package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"optguard/internal/agent/interfaces"
	"optguard/internal/decision"
	"optguard/internal/gateway/notifier"
	"optguard/internal/logger"
	"optguard/internal/store"
)

const auditStoreTimeout = 3 * time.Second

// Auditor 把每个决策写入日志、指标、通知与审计库；任何一路失败都不影响决策本身。
type Auditor struct {
	publisher interfaces.Publisher
	store     store.DecisionStore
	metrics   interfaces.DecisionMetrics
	now       func() time.Time
}

// NewAuditor 的各参数均可为 nil。
func NewAuditor(pub interfaces.Publisher, st store.DecisionStore, m interfaces.DecisionMetrics) *Auditor {
	return &Auditor{publisher: pub, store: st, metrics: m, now: time.Now}
}

func (a *Auditor) Exit(ctx context.Context, req ExitRequest, d ExitDecision) {
	if a == nil {
		return
	}
	symbol := strings.ToUpper(req.Position.Symbol)
	logger.Infof("[EXIT] %s: %s (confidence=%.2f) tag=%s trace=%s - %s",
		symbol, d.Action, d.Confidence, tagOrDash(d.ReasonTag), d.TraceID, d.Reason)

	a.observe(string(decision.KindExit), string(d.Action), d.ReasonTag, d.Ensemble)
	if d.Action == decision.ActionSell {
		a.publish(notifier.Message{
			Title: fmt.Sprintf("EXIT DECISION %s %s", symbol, d.Action),
			Sections: []notifier.MessageSection{
				{Title: "Position", Lines: []string{
					req.Position.Key().String(),
					fmt.Sprintf("pnl %.2f%% (option %.2f)", d.Signal.PnLPct, req.OptionPrice),
				}},
				{Title: "Decision", Lines: []string{
					fmt.Sprintf("confidence %.2f", d.Confidence),
					"tag " + tagOrDash(d.ReasonTag),
					d.Reason,
				}},
			},
			Footer:    "decision id " + d.TraceID,
			Timestamp: a.now().UTC(),
		}.Render())
	} else {
		a.publish(fmt.Sprintf("%s %s (%.2f) %s - %s", symbol, d.Action, d.Confidence, tagOrDash(d.ReasonTag), d.Reason))
	}
	a.persist(ctx, store.DecisionRecord{
		TraceID:    d.TraceID,
		Kind:       string(decision.KindExit),
		Symbol:     symbol,
		PositionID: req.Position.Key().String(),
		Action:     string(d.Action),
		ReasonTag:  d.ReasonTag,
		Reason:     d.Reason,
	}, d.Confidence, d.Ensemble)
}

func (a *Auditor) Entry(ctx context.Context, req EntryRequest, d EntryDecision) {
	if a == nil {
		return
	}
	symbol := strings.ToUpper(req.Symbol)
	logger.Infof("[ENTRY] %s: %s (confidence=%.2f) tag=%s trace=%s - %s",
		symbol, d.Action, d.Confidence, tagOrDash(d.ReasonTag), d.TraceID, d.Reason)

	a.observe(string(decision.KindEntry), string(d.Action), d.ReasonTag, d.Ensemble)
	if d.Action == decision.ActionApprove || d.Action == decision.ActionReject {
		lines := []string{fmt.Sprintf("confidence %.2f", d.Confidence), "tag " + tagOrDash(d.ReasonTag), d.Reason}
		a.publish(notifier.Message{
			Title: fmt.Sprintf("ENTRY DECISION %s %s", symbol, d.Action),
			Sections: []notifier.MessageSection{
				{Title: "Contract", Lines: []string{req.Contract}},
				{Title: "Decision", Lines: lines},
			},
			Footer:    "decision id " + d.TraceID,
			Timestamp: a.now().UTC(),
		}.Render())
	} else {
		a.publish(fmt.Sprintf("%s %s (%.2f) %s - %s", symbol, d.Action, d.Confidence, tagOrDash(d.ReasonTag), d.Reason))
	}
	a.persist(ctx, store.DecisionRecord{
		TraceID:    d.TraceID,
		Kind:       string(decision.KindEntry),
		Symbol:     symbol,
		PositionID: req.Contract,
		Action:     string(d.Action),
		ReasonTag:  d.ReasonTag,
		Reason:     d.Reason,
	}, d.Confidence, d.Ensemble)
}

func (a *Auditor) observe(kind, action, tag string, res *decision.Result) {
	if a.metrics == nil {
		return
	}
	a.metrics.ObserveDecision(kind, action, tag)
	if res != nil {
		a.metrics.ObserveEnsemble(kind, res.FastPath, res.Elapsed)
	}
}

func (a *Auditor) publish(text string) {
	if a.publisher == nil || strings.TrimSpace(text) == "" {
		return
	}
	a.publisher.Publish(text)
}

func (a *Auditor) persist(ctx context.Context, rec store.DecisionRecord, confidence float64, res *decision.Result) {
	if a.store == nil {
		return
	}
	rec.CreatedAt = a.now()
	conf := confidence
	rec.Confidence = &conf
	if res != nil {
		rec.FastPath = res.FastPath
		rec.Failures = res.Failures
		rec.ElapsedMS = res.Elapsed.Milliseconds()
		if raw, err := json.Marshal(res.Votes); err == nil {
			rec.Votes = raw
		}
	}
	// 决策已经得出，调用方取消不应丢失审计记录。
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditStoreTimeout)
	defer cancel()
	if err := a.store.InsertDecision(sctx, rec); err != nil {
		logger.Warnf("decision audit insert failed trace=%s: %v", rec.TraceID, err)
	}
}

func tagOrDash(tag string) string {
	if tag == "" {
		return "-"
	}
	return tag
}
