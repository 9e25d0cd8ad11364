// Package ledger maintains the running position and PnL state for every
// token the paper trader has filled. It is the only writer of positions.
//
// Mutation is serialized per token: each token gets its own writer
// goroutine fed by a queue, so fills for one token apply in order while
// unrelated tokens proceed in parallel. There is no global lock around
// position state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"polymarket-papertrader/models"
)

var (
	// ErrDuplicateFill marks a fill identifier that was already applied.
	ErrDuplicateFill = errors.New("fill already applied")
	// ErrOutOfOrder marks a fill older than the last applied fill for its token.
	ErrOutOfOrder = errors.New("fill out of order")
	// ErrResolved marks a fill arriving after the market resolved.
	ErrResolved = errors.New("position already resolved")
	// ErrClosed marks calls after Close.
	ErrClosed = errors.New("ledger closed")
)

const writerQueueSize = 32

type opKind int

const (
	opApply opKind = iota
	opResolve
	opUnrealized
	opSnapshot
)

type request struct {
	kind   opKind
	trade  models.PaperTrade
	payout float64
	mid    float64
	reply  chan response
}

type response struct {
	update models.PositionUpdate
	pos    models.Position
	amount float64
	found  bool
	err    error
}

// tokenWriter owns the position state for one token.
type tokenWriter struct {
	ch chan request
}

// Ledger routes fills, resolutions, and reads to per-token writers.
type Ledger struct {
	mu      sync.RWMutex
	writers map[string]*tokenWriter
	closed  bool
	wg      sync.WaitGroup
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		writers: make(map[string]*tokenWriter),
	}
}

// Restore seeds the ledger from persisted state after a restart. Positions
// come back as-is; appliedFills re-arms duplicate detection so a crash
// replay cannot double-count. Call before any Apply.
func (l *Ledger) Restore(positions []models.Position, appliedFills map[string][]string) {
	for _, pos := range positions {
		l.writerFor(pos.TokenID, pos, appliedFills[pos.TokenID])
	}
	for tokenID, fills := range appliedFills {
		l.writerFor(tokenID, models.Position{TokenID: tokenID}, fills)
	}
}

// Apply folds one simulated fill into its token's position. Returns the
// state change, or a typed error (ErrDuplicateFill, ErrOutOfOrder,
// ErrResolved) when the fill must not be applied.
func (l *Ledger) Apply(ctx context.Context, trade models.PaperTrade) (models.PositionUpdate, error) {
	if !trade.Filled() {
		return models.PositionUpdate{}, fmt.Errorf("ledger: refusing no-fill record %s", trade.FillID)
	}
	if !trade.Side.Valid() {
		return models.PositionUpdate{}, fmt.Errorf("ledger: invalid side %q", trade.Side)
	}

	resp, err := l.send(ctx, trade.TokenID, request{kind: opApply, trade: trade})
	if err != nil {
		return models.PositionUpdate{}, err
	}
	return resp.update, resp.err
}

// Resolve finalizes a token at its payout value: realizes
// payout*size - cost basis, zeroes the position, and freezes it. Repeat
// calls are no-ops. Returns the frozen position.
func (l *Ledger) Resolve(ctx context.Context, tokenID string, payout float64) (models.Position, error) {
	resp, err := l.send(ctx, tokenID, request{kind: opResolve, payout: payout})
	if err != nil {
		return models.Position{}, err
	}
	return resp.pos, resp.err
}

// UnrealizedPnL marks the token's open size to the given mid price.
// Resolved and unknown tokens return 0.
func (l *Ledger) UnrealizedPnL(ctx context.Context, tokenID string, mid float64) (float64, error) {
	l.mu.RLock()
	_, exists := l.writers[tokenID]
	l.mu.RUnlock()
	if !exists {
		return 0, nil
	}

	resp, err := l.send(ctx, tokenID, request{kind: opUnrealized, mid: mid})
	if err != nil {
		return 0, err
	}
	return resp.amount, resp.err
}

// Snapshot returns a copy of the token's position, false when the token
// has never been filled.
func (l *Ledger) Snapshot(ctx context.Context, tokenID string) (models.Position, bool, error) {
	l.mu.RLock()
	_, exists := l.writers[tokenID]
	l.mu.RUnlock()
	if !exists {
		return models.Position{}, false, nil
	}

	resp, err := l.send(ctx, tokenID, request{kind: opSnapshot})
	if err != nil {
		return models.Position{}, false, err
	}
	return resp.pos, resp.found, resp.err
}

// Positions returns a copy of every tracked position.
func (l *Ledger) Positions(ctx context.Context) ([]models.Position, error) {
	l.mu.RLock()
	tokenIDs := make([]string, 0, len(l.writers))
	for id := range l.writers {
		tokenIDs = append(tokenIDs, id)
	}
	l.mu.RUnlock()

	out := make([]models.Position, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		pos, found, err := l.Snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, pos)
		}
	}
	return out, nil
}

// Close drains and stops every token writer. Calls after Close fail with
// ErrClosed.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, w := range l.writers {
		close(w.ch)
	}
	l.mu.Unlock()

	l.wg.Wait()
}

// send enqueues one request on the token's writer. The read lock is held
// across the channel send: Close needs the write lock to close writer
// channels, so a send in flight can never hit a just-closed channel.
func (l *Ledger) send(ctx context.Context, tokenID string, req request) (response, error) {
	l.mu.RLock()
	w := l.writers[tokenID]
	if w == nil && !l.closed {
		l.mu.RUnlock()
		if w = l.writerFor(tokenID, models.Position{TokenID: tokenID}, nil); w == nil {
			return response{}, ErrClosed
		}
		l.mu.RLock()
	}
	if l.closed {
		l.mu.RUnlock()
		return response{}, ErrClosed
	}

	req.reply = make(chan response, 1)
	select {
	case w.ch <- req:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// writerFor returns the token's writer, starting one when needed. seed and
// appliedFills only matter for the goroutine that actually creates it.
func (l *Ledger) writerFor(tokenID string, seed models.Position, appliedFills []string) *tokenWriter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if w, ok := l.writers[tokenID]; ok {
		return w
	}

	w := &tokenWriter{ch: make(chan request, writerQueueSize)}
	l.writers[tokenID] = w

	applied := make(map[string]struct{}, len(appliedFills))
	for _, id := range appliedFills {
		applied[id] = struct{}{}
	}

	l.wg.Add(1)
	go w.run(&l.wg, seed, applied)
	return w
}

func (w *tokenWriter) run(wg *sync.WaitGroup, pos models.Position, applied map[string]struct{}) {
	defer wg.Done()

	var lastOnchain time.Time
	for req := range w.ch {
		var resp response
		switch req.kind {
		case opApply:
			resp = applyFill(&pos, req.trade, applied, &lastOnchain)
		case opResolve:
			resp = resolve(&pos, req.payout)
		case opUnrealized:
			resp = response{amount: pos.UnrealizedPnL(req.mid)}
		case opSnapshot:
			resp = response{pos: pos, found: true}
		}
		req.reply <- resp
	}
}

// applyFill is the cost-basis state machine. It runs only on the token's
// writer goroutine, so pos and the bookkeeping maps are never shared.
func applyFill(pos *models.Position, trade models.PaperTrade, applied map[string]struct{}, lastOnchain *time.Time) response {
	if _, dup := applied[trade.FillID]; dup {
		return response{err: fmt.Errorf("%w: %s", ErrDuplicateFill, trade.FillID)}
	}
	if pos.Resolved {
		return response{err: fmt.Errorf("%w: %s", ErrResolved, trade.TokenID)}
	}
	onchainAt := trade.Latency.OnchainAt
	if !lastOnchain.IsZero() && onchainAt.Before(*lastOnchain) {
		return response{err: fmt.Errorf("%w: %s at %s is before last applied %s",
			ErrOutOfOrder, trade.FillID, onchainAt.Format(time.RFC3339), lastOnchain.Format(time.RFC3339))}
	}

	signed := trade.Size
	if trade.Side == models.SideSell {
		signed = -trade.Size
	}

	var realizedDelta, closedSize float64
	oldSize := pos.Size

	if oldSize == 0 || sameSign(oldSize, signed) {
		// Opens or adds to exposure: weighted-average basis, realized untouched.
		pos.CostBasis += trade.Size * trade.AvgPrice
		pos.Size += signed
	} else {
		// Reduces exposure. Realize against the average entry; basis per
		// share is unchanged by a partial close.
		avgEntry := pos.CostBasis / math.Abs(oldSize)
		closedSize = math.Min(math.Abs(signed), math.Abs(oldSize))
		if oldSize > 0 {
			realizedDelta = (trade.AvgPrice - avgEntry) * closedSize
		} else {
			realizedDelta = (avgEntry - trade.AvgPrice) * closedSize
		}
		pos.RealizedPnL += realizedDelta
		pos.CostBasis -= closedSize * avgEntry
		if signed > 0 {
			pos.Size += closedSize
		} else {
			pos.Size -= closedSize
		}

		// Anything beyond the close flips: open the other side at the fill price.
		remainder := math.Abs(signed) - closedSize
		if remainder > 0 {
			if signed > 0 {
				pos.Size += remainder
			} else {
				pos.Size -= remainder
			}
			pos.CostBasis = remainder * trade.AvgPrice
		}
	}

	if math.Abs(pos.Size) < models.PositionEpsilon {
		pos.Size = 0
		pos.CostBasis = 0
	}
	pos.UpdatedAt = time.Now().UTC()

	applied[trade.FillID] = struct{}{}
	*lastOnchain = onchainAt

	return response{update: models.PositionUpdate{
		TokenID:       pos.TokenID,
		Size:          pos.Size,
		CostBasis:     pos.CostBasis,
		RealizedPnL:   pos.RealizedPnL,
		RealizedDelta: realizedDelta,
		ClosedSize:    closedSize,
	}}
}

func resolve(pos *models.Position, payout float64) response {
	if pos.Resolved {
		return response{pos: *pos, found: true}
	}

	var delta float64
	if pos.Size >= 0 {
		delta = payout*pos.Size - pos.CostBasis
	} else {
		delta = pos.CostBasis - payout*(-pos.Size)
	}
	pos.RealizedPnL += delta
	pos.Size = 0
	pos.CostBasis = 0
	pos.Resolved = true
	pos.PayoutValue = payout
	pos.UpdatedAt = time.Now().UTC()

	return response{pos: *pos, found: true}
}

func sameSign(a, b float64) bool {
	return (a > 0) == (b > 0)
}
