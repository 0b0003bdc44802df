// Package ledger records share trades from SharesBought and SharesSold
// events and serves the trade views the invalidation rules purge:
// recent trades, per-address history, share counts and trading volume.
// Views are read through the chain scope.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/unkn0wn-root/cacheaside"
	c "github.com/unkn0wn-root/cacheaside/codec"
	"github.com/unkn0wn-root/cacheaside/events"
	"github.com/unkn0wn-root/cacheaside/invalidation"
	"github.com/unkn0wn-root/cacheaside/store"
	"github.com/unkn0wn-root/cacheaside/store/sqlstore"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

var ErrBadTrade = errors.New("ledger: malformed trade event")

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one share purchase or sale. TraderAddress is the buyer or the
// seller; OwnerAddress is the owner of the traded shares.
type Trade struct {
	ID            string    `json:"id" msgpack:"id" gorm:"primaryKey"`
	TxHash        string    `json:"txHash" msgpack:"txHash" gorm:"uniqueIndex;not null"`
	Side          Side      `json:"side" msgpack:"side" gorm:"not null"`
	TraderID      string    `json:"traderId,omitempty" msgpack:"traderId,omitempty"`
	TraderAddress string    `json:"traderAddress" msgpack:"traderAddress" gorm:"index;not null"`
	OwnerID       string    `json:"ownerId,omitempty" msgpack:"ownerId,omitempty"`
	OwnerAddress  string    `json:"ownerAddress" msgpack:"ownerAddress" gorm:"index;not null"`
	Amount        int64     `json:"amount" msgpack:"amount"`
	CreatedAt     time.Time `json:"createdAt" msgpack:"createdAt"`
}

const (
	fieldTraderAddress = "traderAddress"
	fieldOwnerAddress  = "ownerAddress"
	fieldCreatedAt     = "createdAt"
	fieldID            = "id"
)

// NewStore returns the trades table store.
func NewStore(db *gorm.DB) (*sqlstore.Store[Trade], error) {
	return sqlstore.New[Trade](db)
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Trade{}); err != nil {
		return fmt.Errorf("ledger: migrate trades: %w", err)
	}
	return nil
}

type Options struct {
	// ViewTTL bounds cached views; 0 => KV default.
	ViewTTL time.Duration
	Logger  cacheaside.Logger
}

type Ledger struct {
	trades store.Store[Trade]
	views  *cacheaside.Scope
	ttl    time.Duration
	log    cacheaside.Logger
}

// New returns a ledger over trades. views must be the scope registered as
// the router's chain target.
func New(trades store.Store[Trade], views *cacheaside.Scope, opts Options) (*Ledger, error) {
	if trades == nil {
		return nil, &cacheaside.ConfigError{Component: "ledger", Field: "Store", Reason: "required"}
	}
	if views == nil {
		return nil, &cacheaside.ConfigError{Component: "ledger", Field: "Views", Reason: "required"}
	}
	log := opts.Logger
	if log == nil {
		log = cacheaside.NopLogger{}
	}
	return &Ledger{trades: trades, views: views, ttl: opts.ViewTTL, log: log}, nil
}

// Subscribe records trades from bus. Subscribe the ledger before the
// invalidation router so a purge never precedes the write it covers.
func (l *Ledger) Subscribe(bus events.Bus) {
	bus.Subscribe(events.TypeSharesBought, l.Record)
	bus.Subscribe(events.TypeSharesSold, l.Record)
}

// Record stores the trade carried by a SharesBought or SharesSold event.
func (l *Ledger) Record(ctx context.Context, e events.Event) error {
	t, err := tradeOf(e)
	if err != nil {
		return err
	}
	if _, err := l.trades.Insert(ctx, t); err != nil {
		return fmt.Errorf("ledger: record %s: %w", t.TxHash, err)
	}
	l.log.Debug("trade recorded", cacheaside.Fields{"txHash": t.TxHash, "side": t.Side, "logId": e.LogID})
	return nil
}

func tradeOf(e events.Event) (Trade, error) {
	var t Trade
	var traderID, traderAddr string
	switch e.Type {
	case events.TypeSharesBought:
		t.Side, traderID, traderAddr = SideBuy, "buyerId", "buyerAddress"
	case events.TypeSharesSold:
		t.Side, traderID, traderAddr = SideSell, "sellerId", "sellerAddress"
	default:
		return Trade{}, fmt.Errorf("%w: unexpected type %q", ErrBadTrade, e.Type)
	}

	var ok bool
	if t.TxHash, ok = e.Attr("txHash"); !ok {
		return Trade{}, fmt.Errorf("%w: missing txHash", ErrBadTrade)
	}
	if t.TraderAddress, ok = e.Attr(traderAddr); !ok {
		return Trade{}, fmt.Errorf("%w: missing %s", ErrBadTrade, traderAddr)
	}
	if t.OwnerAddress, ok = e.Attr("ownerAddress"); !ok {
		return Trade{}, fmt.Errorf("%w: missing ownerAddress", ErrBadTrade)
	}
	amount, _ := e.Attr("amount")
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || n <= 0 {
		return Trade{}, fmt.Errorf("%w: amount %q", ErrBadTrade, amount)
	}
	t.Amount = n
	t.TraderID, _ = e.Attr(traderID)
	t.OwnerID, _ = e.Attr("ownerId")
	t.TraderAddress = strings.ToLower(t.TraderAddress)
	t.OwnerAddress = strings.ToLower(t.OwnerAddress)
	if !e.CreatedAt.IsZero() {
		t.CreatedAt = e.CreatedAt.UTC()
	}
	return t, nil
}

// RecentTrades pages through all trades, newest first. Cached as
// "getRecentTrades:<offset>:<limit>".
func (l *Ledger) RecentTrades(ctx context.Context, offset, limit int) ([]Trade, error) {
	offset, limit = page(offset, limit)
	key := fmt.Sprintf("%s:%d:%d", invalidation.RecentTrades, offset, limit)
	return cacheaside.Remember(ctx, l.views, c.Msgpack[[]Trade]{}, key, l.ttl, func(ctx context.Context) ([]Trade, error) {
		return l.find(ctx, store.Filter{}, offset, limit)
	})
}

// TradeHistory pages through the trades address made, newest first.
// Cached as "viewUserTradeHistory:<address>:<offset>:<limit>".
func (l *Ledger) TradeHistory(ctx context.Context, address string, offset, limit int) ([]Trade, error) {
	address = strings.ToLower(address)
	offset, limit = page(offset, limit)
	key := fmt.Sprintf("%s:%s:%d:%d", invalidation.UserTradeHistory, address, offset, limit)
	return cacheaside.Remember(ctx, l.views, c.Msgpack[[]Trade]{}, key, l.ttl, func(ctx context.Context) ([]Trade, error) {
		return l.find(ctx, store.Filter{fieldTraderAddress: address}, offset, limit)
	})
}

// SharesCount is the net number of shares address bought minus sold.
// Cached as "viewUserSharesCount:<address>".
func (l *Ledger) SharesCount(ctx context.Context, address string) (int64, error) {
	address = strings.ToLower(address)
	key := invalidation.UserSharesCount + ":" + address
	return cacheaside.Remember(ctx, l.views, c.JSON[int64]{}, key, l.ttl, func(ctx context.Context) (int64, error) {
		trades, err := l.find(ctx, store.Filter{fieldTraderAddress: address}, 0, 0)
		if err != nil {
			return 0, err
		}
		var n int64
		for _, t := range trades {
			if t.Side == SideSell {
				n -= t.Amount
			} else {
				n += t.Amount
			}
		}
		return n, nil
	})
}

// TradingVolume is the number of shares traded by address or in shares
// address owns. Cached as "viewUserTradingVolume:<address>".
func (l *Ledger) TradingVolume(ctx context.Context, address string) (int64, error) {
	address = strings.ToLower(address)
	key := invalidation.UserTradingVolume + ":" + address
	return cacheaside.Remember(ctx, l.views, c.JSON[int64]{}, key, l.ttl, func(ctx context.Context) (int64, error) {
		seen := make(map[string]struct{})
		var n int64
		for _, f := range []string{fieldTraderAddress, fieldOwnerAddress} {
			trades, err := l.find(ctx, store.Filter{f: address}, 0, 0)
			if err != nil {
				return 0, err
			}
			for _, t := range trades {
				if _, dup := seen[t.ID]; dup {
					continue
				}
				seen[t.ID] = struct{}{}
				n += t.Amount
			}
		}
		return n, nil
	})
}

func (l *Ledger) find(ctx context.Context, f store.Filter, offset, limit int) ([]Trade, error) {
	trades, err := l.trades.Find(ctx, store.Query{
		Filter: f,
		Order:  []store.Order{{Field: fieldCreatedAt, Desc: true}, {Field: fieldID}},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: find trades: %w", err)
	}
	if trades == nil {
		trades = []Trade{}
	}
	return trades, nil
}

func page(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	return offset, limit
}
