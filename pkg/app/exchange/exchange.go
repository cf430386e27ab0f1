// Package exchange runs the submission pipeline: shape validation, signature
// verification, persistence and matching, with every rejection audited.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/crossbook/pkg/app/core/order"
	"github.com/uhyunpark/crossbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/crossbook/pkg/app/core/transaction"
	"github.com/uhyunpark/crossbook/pkg/metrics"
	"github.com/uhyunpark/crossbook/pkg/storage"
	"github.com/uhyunpark/crossbook/pkg/util"
)

// Audit reasons.
const (
	ReasonDecode             = "decode"
	ReasonShape              = "shape"
	ReasonAuthentication     = "authentication"
	ReasonPersistence        = "persistence"
	ReasonMatchInconsistency = "match_inconsistency"
	ReasonPanic              = "panic"
)

type Exchange struct {
	store    *storage.PebbleStore
	verifier *transaction.Registry
	engine   *orderbook.Engine
	clock    util.Clock
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	// OnMatch is called after a match commits. It runs on the submitting
	// goroutine and must not block.
	OnMatch func(orderbook.Outcome)
}

type Option func(*Exchange)

func WithClock(c util.Clock) Option {
	return func(e *Exchange) { e.clock = c }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Exchange) { e.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

func WithRegistry(r *transaction.Registry) Option {
	return func(e *Exchange) { e.verifier = r }
}

func WithMatchHandler(fn func(orderbook.Outcome)) Option {
	return func(e *Exchange) { e.OnMatch = fn }
}

func New(store *storage.PebbleStore, opts ...Option) *Exchange {
	e := &Exchange{
		store:    store,
		verifier: transaction.NewRegistry(),
		clock:    util.RealClock{},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.engine = orderbook.NewEngine(e.clock)
	return e
}

// rejection carries the audit reason alongside the error that caused it.
type rejection struct {
	reason string
	err    error
}

func (r *rejection) Error() string { return r.reason + ": " + r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func reject(reason string, err error) error {
	return &rejection{reason: reason, err: err}
}

// Submit handles one raw /trade body and reports whether it was accepted.
// It never panics and never returns internal error detail.
func (e *Exchange) Submit(ctx context.Context, body []byte) (accepted bool) {
	start := time.Now()
	snapshot := func() *orderedmap.OrderedMap[string, any] { return snapshotBody(body) }
	defer e.recoverSubmission(ctx, start, snapshot, &accepted)

	req, err := transaction.ParseRequest(body)
	if err != nil {
		reason := ReasonShape
		if errors.Is(err, transaction.ErrMalformed) {
			reason = ReasonDecode
		}
		return e.finish(ctx, start, snapshot, reject(reason, err))
	}
	return e.finish(ctx, start, snapshot, e.process(ctx, req))
}

// SubmitRequest handles an already decoded submission.
func (e *Exchange) SubmitRequest(ctx context.Context, req *transaction.Request) (accepted bool) {
	start := time.Now()
	snapshot := func() *orderedmap.OrderedMap[string, any] { return snapshotRequest(req) }
	defer e.recoverSubmission(ctx, start, snapshot, &accepted)

	if req == nil {
		return e.finish(ctx, start, snapshot, reject(ReasonShape, fmt.Errorf("%w: empty request", transaction.ErrShape)))
	}
	return e.finish(ctx, start, snapshot, e.process(ctx, req))
}

func (e *Exchange) process(ctx context.Context, req *transaction.Request) error {
	p := req.Payload
	if !e.verifier.VerifyRequest(req) {
		return reject(ReasonAuthentication, fmt.Errorf("%w: platform %q signer %s", transaction.ErrAuthentication, p.Platform, p.SenderPK))
	}

	buy, sell, err := p.Amounts()
	if err != nil {
		return reject(ReasonShape, err)
	}
	incoming := order.Order{
		SenderPK:     p.SenderPK,
		ReceiverPK:   p.ReceiverPK,
		BuyCurrency:  p.BuyCurrency,
		SellCurrency: p.SellCurrency,
		BuyAmount:    buy,
		SellAmount:   sell,
		Signature:    req.Sig,
	}

	var out orderbook.Outcome
	err = e.store.Update(ctx, PairScope(p.BuyCurrency, p.SellCurrency), func(tx *storage.Txn) error {
		saved, err := tx.InsertOrder(incoming)
		if err != nil {
			return err
		}
		out, err = e.engine.Execute(tx, saved)
		return err
	})
	if errors.Is(err, orderbook.ErrMatchInconsistency) {
		return reject(ReasonMatchInconsistency, err)
	}
	if err != nil {
		return reject(ReasonPersistence, err)
	}

	e.log.Infow("order_accepted",
		"order_id", out.New.ID,
		"sell", out.New.SellAmount.String()+" "+out.New.SellCurrency,
		"buy", out.New.BuyAmount.String()+" "+out.New.BuyCurrency,
		"platform", p.Platform,
		"match", out.Kind.String(),
	)
	if out.Kind != orderbook.NoMatch {
		e.matched(out)
	}
	return nil
}

func (e *Exchange) matched(out orderbook.Outcome) {
	fields := []any{"order_id", out.New.ID, "counterparty_id", out.Existing.ID, "kind", out.Kind.String()}
	if out.Residual != nil {
		fields = append(fields, "residual_id", out.Residual.ID, "residual_creator_id", *out.Residual.CreatorID)
	}
	e.log.Infow("orders_matched", fields...)
	e.metrics.ObserveMatch(out.Kind.String())

	if e.OnMatch != nil {
		e.notify(out)
	}
}

// notify runs after commit, so a failing handler must not turn an accepted
// submission into a rejected one.
func (e *Exchange) notify(out orderbook.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("match_handler_panic", "order_id", out.New.ID, "panic", fmt.Sprint(r))
		}
	}()
	e.OnMatch(out)
}

// finish converts the pipeline result into the boolean outcome, auditing rejections.
func (e *Exchange) finish(ctx context.Context, start time.Time, snapshot func() *orderedmap.OrderedMap[string, any], err error) bool {
	if err == nil {
		e.metrics.ObserveSubmission(metrics.OutcomeAccepted, time.Since(start))
		return true
	}

	reason := ReasonPersistence
	var rej *rejection
	if errors.As(err, &rej) {
		reason = rej.reason
	}
	e.log.Warnw("submission_rejected", "reason", reason, "err", err)
	e.audit(ctx, reason, snapshot())
	e.metrics.ObserveSubmission(reason, time.Since(start))
	return false
}

func (e *Exchange) recoverSubmission(ctx context.Context, start time.Time, snapshot func() *orderedmap.OrderedMap[string, any], accepted *bool) {
	r := recover()
	if r == nil {
		return
	}
	e.log.Errorw("submission_panic", "panic", fmt.Sprint(r))
	*accepted = false

	// the audit itself may be what panicked
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("audit_panic", "panic", fmt.Sprint(r))
		}
	}()
	e.audit(ctx, ReasonPanic, snapshot())
	e.metrics.ObserveSubmission(metrics.OutcomePanic, time.Since(start))
}

// audit failures are logged and otherwise ignored.
func (e *Exchange) audit(ctx context.Context, reason string, request *orderedmap.OrderedMap[string, any]) {
	// a cancelled request must still leave its audit trail
	ctx = context.WithoutCancel(ctx)
	rec, err := e.store.AppendAudit(ctx, storage.AuditRecord{
		At:      e.clock.Now(),
		Reason:  reason,
		Request: request,
	})
	if err != nil {
		e.log.Errorw("audit_write_failed", "reason", reason, "err", err)
		return
	}
	e.log.Debugw("audit_recorded", "audit_id", rec.ID, "reason", reason)
}

// OrderBook lists every order ever created, filled or not, in id order.
func (e *Exchange) OrderBook(ctx context.Context) ([]order.Order, error) {
	return e.store.Orders(ctx)
}

// AuditLog lists every rejected submission in arrival order.
func (e *Exchange) AuditLog(ctx context.Context) ([]storage.AuditRecord, error) {
	return e.store.AuditRecords(ctx)
}

// PairScope names the critical section shared by every order on the unordered
// currency pair {a, b}.
func PairScope(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// snapshotBody keeps the request as submitted. Bodies that are not JSON objects
// are kept verbatim under "raw".
func snapshotBody(body []byte) *orderedmap.OrderedMap[string, any] {
	if m, err := storage.DecodeOrdered(body); err == nil {
		return m
	}
	m := orderedmap.New[string, any]()
	m.Set("raw", string(body))
	return m
}

func snapshotRequest(req *transaction.Request) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	if req == nil {
		return m
	}
	p := req.Payload
	payload := orderedmap.New[string, any]()
	payload.Set(transaction.FieldSenderPK, p.SenderPK)
	payload.Set(transaction.FieldReceiverPK, p.ReceiverPK)
	payload.Set(transaction.FieldBuyCurrency, p.BuyCurrency)
	payload.Set(transaction.FieldSellCurrency, p.SellCurrency)
	payload.Set(transaction.FieldBuyAmount, p.BuyAmount)
	payload.Set(transaction.FieldSellAmount, p.SellAmount)
	payload.Set(transaction.FieldPlatform, string(p.Platform))

	m.Set("sig", req.Sig)
	m.Set("payload", payload)
	return m
}
