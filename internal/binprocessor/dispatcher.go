package binprocessor

import (
	"PositionLedger/internal/core"
	"PositionLedger/internal/event"
	"PositionLedger/internal/fspiop"
	"PositionLedger/internal/ingestion"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/math"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/persistence"
	"PositionLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeadLetterKey is the event-topic key of messages that failed their bin.
const DeadLetterKey = "position-dead-letter"

// Store opens one storage transaction per batch.
type Store interface {
	Begin(ctx context.Context) (persistence.AccountTx, error)
}

// Publisher sends outbound messages on the bus.
type Publisher interface {
	Publish(ctx context.Context, msgs []ingestion.Outbound) error
	Transport() string
}

// AlarmNotifier raises limit alarms.
type AlarmNotifier interface {
	Notify(ctx context.Context, alarms []state.ParticipantLimit) (int, error)
}

// binError is a failure that reprocessing cannot fix. It fails every bin of
// the account; the rest of the batch is processed without it.
type binError struct {
	Account state.AccountID
	Kind    binKind
	Err     error
}

func (e *binError) Error() string {
	return fmt.Sprintf("account %s %s bin: %v", e.Account, e.Kind, e.Err)
}

func (e *binError) Unwrap() error { return e.Err }

// reason is the bin_failures_total label.
func (e *binError) reason() string {
	var fe *fspiop.Error
	switch {
	case errors.Is(e.Err, persistence.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(e.Err, ledger.ErrConservation), errors.Is(e.Err, ledger.ErrBrokenChain):
		return "conservation"
	case errors.Is(e.Err, ledger.ErrStateNotFinal), errors.Is(e.Err, ledger.ErrStateMismatch):
		return "state"
	case errors.As(e.Err, &fe):
		return "protocol"
	default:
		return "encode"
	}
}

// binStat is one processed bin, reported after its batch commits.
type binStat struct {
	kind     binKind
	duration time.Duration
	reserved int
	rejected int
}

// batchOutput is what a committed batch hands to the publish step.
type batchOutput struct {
	outbound   []ingestion.Outbound
	alarms     []state.ParticipantLimit
	rejections []string
	followups  int
	duplicates []*entry
	bins       []binStat
	digests    map[state.AccountID]string
}

// Dispatcher turns batches of position deliveries into bins, runs them per
// account inside one storage transaction, then publishes and acknowledges.
type Dispatcher struct {
	processor *core.Processor
	amounts   math.DecimalConfig
	store     Store
	publisher Publisher
	alarms    AlarmNotifier
	metrics   *observability.Metrics
	logger    zerolog.Logger
	backoff   persistence.Backoff

	mu      sync.Mutex
	offsets *core.OffsetValidator
	digests map[state.AccountID]string
}

func NewDispatcher(
	processor *core.Processor,
	amounts math.DecimalConfig,
	store Store,
	publisher Publisher,
	alarms AlarmNotifier,
	metrics *observability.Metrics,
) *Dispatcher {
	return &Dispatcher{
		processor: processor,
		amounts:   amounts,
		store:     store,
		publisher: publisher,
		alarms:    alarms,
		metrics:   metrics,
		logger:    observability.NewLogger("binprocessor"),
		backoff:   persistence.DefaultBackoff,
		offsets:   core.NewOffsetValidator(),
		digests:   make(map[state.AccountID]string),
	}
}

// Handle processes one batch. It is an ingestion.BatchHandler. Every
// delivery is acked or nacked before Handle returns.
func (d *Dispatcher) Handle(ctx context.Context, batch []ingestion.Delivery) error {
	d.metrics.BatchSize.Observe(float64(len(batch)))

	entries := d.admit(batch)
	if len(entries) == 0 {
		return nil
	}
	return d.process(ctx, entries)
}

// admit parses deliveries and acks those that will never be processed:
// malformed messages and actions owned by other handlers.
func (d *Dispatcher) admit(batch []ingestion.Delivery) []*entry {
	entries := make([]*entry, 0, len(batch))

	d.mu.Lock()
	for _, del := range batch {
		status, err := d.offsets.Observe(del.Partition, del.Offset)
		switch status {
		case core.OffsetGap:
			d.metrics.OffsetGaps.WithLabelValues(del.Partition).Inc()
			d.logger.Warn().Err(err).Msg("offset gap")
		case core.OffsetRedelivered:
			d.metrics.OffsetRedelivered.WithLabelValues(del.Partition).Inc()
			d.logger.Debug().Str("partition", del.Partition).Int64("offset", del.Offset).Msg("redelivery")
		}
	}
	d.mu.Unlock()

	for _, del := range batch {
		item, err := ingestion.ParseMessage(del.Data)
		if err != nil {
			d.logger.Error().Err(err).Str("key", del.Key).Int64("offset", del.Offset).Msg("dropping malformed message")
			d.metrics.BinFailures.WithLabelValues("malformed").Inc()
			ack(d.logger, del)
			continue
		}

		account, err := state.ParseAccountID(del.Key)
		if err != nil {
			d.logger.Error().Err(err).Str("id", item.Message.ID).Msg("dropping message with invalid key")
			d.metrics.BinFailures.WithLabelValues("malformed").Inc()
			ack(d.logger, del)
			continue
		}

		kind, ok := kindOf(item.Message.Action())
		if !ok {
			d.logger.Info().Str("id", item.Message.ID).Str("action", string(item.Message.Action())).
				Msg("action not handled by position bins, acknowledging")
			ack(d.logger, del)
			continue
		}

		entries = append(entries, &entry{
			delivery: del,
			item:     item,
			account:  account,
			kind:     kind,
			key:      dedupKey(item, account),
		})
	}
	return entries
}

// process commits the batch, setting aside accounts whose bins fail for
// good, then publishes the outcome.
func (d *Dispatcher) process(ctx context.Context, entries []*entry) error {
	for len(entries) > 0 {
		var out *batchOutput
		err := persistence.Retry(ctx, d.backoff,
			func(ctx context.Context) error {
				var err error
				out, err = d.runBatch(ctx, entries)
				return err
			},
			func(attempt int, err error) {
				d.metrics.PersistRetry.Inc()
				d.logger.Warn().Err(err).Int("attempt", attempt).Int("messages", len(entries)).Msg("batch retry")
			},
		)

		var be *binError
		if errors.As(err, &be) {
			entries, err = d.deadLetter(ctx, entries, be)
			if err != nil {
				nak(d.logger, entries)
				return err
			}
			continue
		}
		if err != nil {
			nak(d.logger, entries)
			return fmt.Errorf("commit batch: %w", err)
		}
		return d.finish(ctx, entries, out)
	}
	return nil
}

// runBatch runs every bin of the batch in one transaction.
func (d *Dispatcher) runBatch(ctx context.Context, entries []*entry) (*batchOutput, error) {
	start := time.Now()

	tx, err := d.store.Begin(ctx)
	if err != nil {
		d.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		return nil, err
	}
	defer tx.Rollback()

	claims := make([]persistence.MessageClaim, len(entries))
	for i, e := range entries {
		claims[i] = persistence.MessageClaim{Key: e.key, Account: e.account, Action: string(e.item.Message.Action())}
	}
	claimed, err := tx.Claim(ctx, claims)
	if err != nil {
		d.metrics.PersistErrors.WithLabelValues("claim").Inc()
		return nil, err
	}

	out := &batchOutput{digests: make(map[state.AccountID]string)}
	fresh := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if claimed[e.key] {
			fresh = append(fresh, e)
		} else {
			out.duplicates = append(out.duplicates, e)
		}
	}

	tracker := ledger.NewPositionTracker(d.amounts)
	validator := ledger.NewInvariantValidator(tracker)
	save := &persistence.SaveBatch{}

	for _, g := range groupByAccount(fresh) {
		if err := d.runAccount(ctx, tx, g, tracker, validator, save, out); err != nil {
			return nil, err
		}
	}
	save.Positions = tracker.Touched()

	if err := tx.Save(ctx, save); err != nil {
		d.metrics.PersistErrors.WithLabelValues("save").Inc()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		d.metrics.PersistErrors.WithLabelValues("commit").Inc()
		return nil, err
	}

	d.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	return out, nil
}

// runAccount loads one account and folds its bins in order, each bin
// starting from the previous bin's output.
func (d *Dispatcher) runAccount(
	ctx context.Context,
	tx persistence.AccountTx,
	g *accountGroup,
	tracker *ledger.PositionTracker,
	validator *ledger.InvariantValidator,
	save *persistence.SaveBatch,
	out *batchOutput,
) error {
	transferIDs, commitRequestIDs := g.stateIDs()
	snap, err := tx.LoadAccount(ctx, g.account, transferIDs, commitRequestIDs)
	if err != nil {
		if errors.Is(err, persistence.ErrAccountNotFound) {
			return persistence.Permanent(&binError{Account: g.account, Kind: firstKind(g), Err: err})
		}
		d.metrics.PersistErrors.WithLabelValues("load").Inc()
		return err
	}
	tracker.Load(snap.Position)

	acc := core.Accumulated{
		PositionValue:         snap.Position.Value,
		PositionReservedValue: snap.Position.ReservedValue,
		TransferStates:        snap.TransferStates,
		FxTransferStates:      snap.FxTransferStates,
	}
	prev := d.lastDigest(g.account)

	for k, bin := range g.bins {
		if len(bin) == 0 {
			continue
		}
		kind := binKind(k)
		start := time.Now()

		res, err := d.runBin(kind, bin, acc, snap)
		if err == nil {
			err = validator.ValidateBin(ledger.BinCheck{
				Account: g.account,
				Initial: acc.PositionValue,
				IDs:     prepareIDs(kind, bin),
				IsFx:    kind.isFx(),
				Result:  res,
			})
		}
		if err != nil {
			return persistence.Permanent(&binError{Account: g.account, Kind: kind, Err: err})
		}

		if err := d.collect(g.account, kind, res, save, out); err != nil {
			return persistence.Permanent(&binError{Account: g.account, Kind: kind, Err: err})
		}

		digest, err := core.Digest(res)
		if err != nil {
			return persistence.Permanent(&binError{Account: g.account, Kind: kind, Err: err})
		}
		prev = core.ChainDigest(prev, digest)
		out.digests[g.account] = prev

		stat := binStat{kind: kind, duration: time.Since(start)}
		for _, e := range bin {
			if e.item.Result != nil && !e.item.Result.Success {
				stat.rejected++
			} else {
				stat.reserved++
			}
		}
		out.bins = append(out.bins, stat)

		acc = res.Accumulated()
	}
	return nil
}

func (d *Dispatcher) runBin(kind binKind, bin []*entry, acc core.Accumulated, snap *persistence.AccountSnapshot) (*core.BinResult, error) {
	switch kind {
	case binAbort, binFxAbort:
		return d.processor.ProcessAbortBin(items(bin), core.AbortOptions{
			Accumulated: acc,
			IsFx:        kind.isFx(),
		})
	default:
		opts := core.PrepareOptions{
			Accumulated:                   acc,
			SettlementParticipantPosition: snap.SettlementPosition,
			ParticipantLimit:              snap.Limit,
		}
		if kind == binFxPrepare {
			return d.processor.ProcessFxPrepareBin(items(bin), opts)
		}
		return d.processor.ProcessPrepareBin(items(bin), opts)
	}
}

// collect appends a bin result to the save batch and the publish output.
func (d *Dispatcher) collect(account state.AccountID, kind binKind, res *core.BinResult, save *persistence.SaveBatch, out *batchOutput) error {
	stateBase, fxStateBase := len(save.TransferStateChanges), len(save.FxTransferStateChanges)
	save.TransferStateChanges = append(save.TransferStateChanges, res.AccumulatedTransferStateChanges...)
	save.FxTransferStateChanges = append(save.FxTransferStateChanges, res.AccumulatedFxTransferStateChanges...)
	for _, c := range res.AccumulatedPositionChanges {
		if c.IsFx() {
			c.StateChange += fxStateBase
		} else {
			c.StateChange += stateBase
		}
		save.PositionChanges = append(save.PositionChanges, persistence.PositionChangeRow{
			Account:                   account,
			ParticipantPositionChange: c,
		})
	}

	for _, n := range res.NotifyMessages {
		data, err := json.Marshal(n.Message)
		if err != nil {
			return fmt.Errorf("encode notification %s: %w", n.Message.ID, err)
		}
		out.outbound = append(out.outbound, ingestion.Outbound{
			Kind: ingestion.OutboundNotification,
			Key:  n.Message.To,
			Data: data,
		})
		if st := n.Message.Metadata.Event.State; st.Status == event.StatusFailure {
			out.rejections = append(out.rejections, string(st.Code))
		}
	}

	for _, f := range res.FollowupMessages {
		data, err := json.Marshal(f.Message)
		if err != nil {
			return fmt.Errorf("encode followup %s: %w", f.Message.ID, err)
		}
		out.outbound = append(out.outbound, ingestion.Outbound{
			Kind: ingestion.OutboundFollowup,
			Key:  f.MessageKey.String(),
			Data: data,
		})
		out.followups++
	}

	out.alarms = append(out.alarms, res.LimitAlarms...)
	return nil
}

// deadLetter publishes the failed account's messages to the event topic,
// acks them and returns the entries left to process.
func (d *Dispatcher) deadLetter(ctx context.Context, entries []*entry, be *binError) ([]*entry, error) {
	d.logger.Error().Err(be.Err).
		Str("account", be.Account.String()).
		Str("bin", be.Kind.String()).
		Str("reason", be.reason()).
		Msg("bin failed, dead-lettering account messages")
	d.metrics.BinFailures.WithLabelValues(be.reason()).Inc()

	var failed, rest []*entry
	for _, e := range entries {
		if e.account == be.Account {
			failed = append(failed, e)
		} else {
			rest = append(rest, e)
		}
	}

	msgs := make([]ingestion.Outbound, len(failed))
	for i, e := range failed {
		msgs[i] = ingestion.Outbound{Kind: ingestion.OutboundEvent, Key: DeadLetterKey, Data: e.delivery.Data}
	}
	if err := d.publish(ctx, msgs); err != nil {
		nak(d.logger, failed)
		return rest, fmt.Errorf("dead-letter account %s: %w", be.Account, err)
	}
	for _, e := range failed {
		ack(d.logger, e.delivery)
	}
	return rest, nil
}

// finish publishes a committed batch, raises alarms, records metrics and
// acks. Publishing retries until shutdown: the batch is already committed.
func (d *Dispatcher) finish(ctx context.Context, entries []*entry, out *batchOutput) error {
	if err := d.publish(ctx, out.outbound); err != nil {
		nak(d.logger, entries)
		return err
	}

	if len(out.alarms) > 0 {
		if _, err := d.alarms.Notify(ctx, out.alarms); err != nil {
			d.logger.Warn().Err(err).Int("alarms", len(out.alarms)).Msg("limit alarms not raised")
		}
	}

	d.mu.Lock()
	for account, digest := range out.digests {
		d.digests[account] = digest
	}
	d.mu.Unlock()

	for _, s := range out.bins {
		action := s.kind.String()
		d.metrics.BinsProcessed.WithLabelValues(action).Inc()
		d.metrics.BinDuration.WithLabelValues(action).Observe(s.duration.Seconds())
		outcome := "reserved"
		if !s.kind.isPrepare() {
			outcome = "aborted"
		}
		d.metrics.ItemsProcessed.WithLabelValues(action, outcome).Add(float64(s.reserved))
		d.metrics.ItemsProcessed.WithLabelValues(action, "rejected").Add(float64(s.rejected))
	}
	for _, code := range out.rejections {
		d.metrics.Rejections.WithLabelValues(code).Inc()
	}
	d.metrics.Followups.Add(float64(out.followups))
	for _, e := range out.duplicates {
		d.metrics.ItemsProcessed.WithLabelValues(e.kind.String(), "duplicate").Inc()
		d.logger.Debug().Str("key", e.key).Msg("already processed, acknowledging")
	}
	for account, digest := range out.digests {
		d.logger.Debug().Str("account", account.String()).Str("digest", digest).Msg("bins committed")
	}

	for _, e := range entries {
		ack(d.logger, e.delivery)
	}

	d.logger.Info().
		Int("messages", len(entries)).
		Int("bins", len(out.bins)).
		Int("published", len(out.outbound)).
		Int("duplicates", len(out.duplicates)).
		Msg("batch committed")
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, msgs []ingestion.Outbound) error {
	if len(msgs) == 0 {
		return nil
	}
	transport := d.publisher.Transport()
	err := persistence.Retry(ctx, d.backoff,
		func(ctx context.Context) error { return d.publisher.Publish(ctx, msgs) },
		func(attempt int, err error) {
			d.metrics.PublishErrors.WithLabelValues(transport).Inc()
			d.logger.Warn().Err(err).Int("attempt", attempt).Msg("publish retry")
		},
	)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	for _, m := range msgs {
		d.metrics.Published.WithLabelValues(m.Kind.String()).Inc()
	}
	return nil
}

// LastDigest returns the audit chain head of an account, empty before the
// first committed bin.
func (d *Dispatcher) LastDigest(account state.AccountID) string {
	return d.lastDigest(account)
}

func (d *Dispatcher) lastDigest(account state.AccountID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.digests[account]
}

func firstKind(g *accountGroup) binKind {
	for k, bin := range g.bins {
		if len(bin) > 0 {
			return binKind(k)
		}
	}
	return binPrepare
}

func ack(logger zerolog.Logger, del ingestion.Delivery) {
	if del.Ack == nil {
		return
	}
	if err := del.Ack(); err != nil {
		logger.Warn().Err(err).Str("partition", del.Partition).Int64("offset", del.Offset).Msg("ack failed")
	}
}

func nak(logger zerolog.Logger, entries []*entry) {
	for _, e := range entries {
		if e.delivery.Nak == nil {
			continue
		}
		if err := e.delivery.Nak(); err != nil {
			logger.Warn().Err(err).Str("partition", e.delivery.Partition).Int64("offset", e.delivery.Offset).Msg("nak failed")
		}
	}
}
