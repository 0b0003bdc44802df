// Package events carries domain events from producers to cache
// invalidation. Delivery is fire-and-forget: a reader may race ahead of an
// invalidation and see a stale value for at most one TTL.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the trading, transfer and account flows.
const (
	TypeSharesBought     = "SharesBought"
	TypeSharesSold       = "SharesSold"
	TypeFundsTransferred = "FundsTransferred"
	TypeTokenTransferred = "TokenTransferred"
	TypeEmailUpdated     = "EmailUpdated"
	TypeUserUpdated      = "UserUpdated"
)

var ErrClosed = errors.New("events: bus closed")

// Event is the wire envelope. Attrs hold the string fields invalidation
// templates read; LogID correlates an event across services.
type Event struct {
	Type      string            `json:"type"`
	LogID     string            `json:"logId"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// New stamps an event with a fresh log id and the current time. Empty attr
// values are dropped.
func New(typ string, attrs map[string]string) Event {
	clean := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v != "" {
			clean[k] = v
		}
	}
	return Event{Type: typ, LogID: uuid.NewString(), Attrs: clean, CreatedAt: time.Now().UTC()}
}

// Attr returns the named attribute and whether it is set.
func (e Event) Attr(name string) (string, bool) {
	v, ok := e.Attrs[name]
	return v, ok && v != ""
}

type Handler func(ctx context.Context, e Event) error

// Bus publishes events and fans them out to topic subscribers. The topic of
// an event is its Type.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topic string, h Handler)
	Close(ctx context.Context) error
}

func lower(s string) string { return strings.ToLower(s) }

// SharesBought is emitted after a buy trade settles.
type SharesBought struct {
	BuyerID      string
	BuyerAddress string
	OwnerID      string
	OwnerAddress string
	TxHash       string
	Amount       string
}

func (s SharesBought) Event() Event {
	return New(TypeSharesBought, map[string]string{
		"buyerId":      s.BuyerID,
		"buyerAddress": lower(s.BuyerAddress),
		"ownerId":      s.OwnerID,
		"ownerAddress": lower(s.OwnerAddress),
		"txHash":       s.TxHash,
		"amount":       s.Amount,
	})
}

// SharesSold is emitted after a sell trade settles.
type SharesSold struct {
	SellerID      string
	SellerAddress string
	OwnerID       string
	OwnerAddress  string
	TxHash        string
	Amount        string
}

func (s SharesSold) Event() Event {
	return New(TypeSharesSold, map[string]string{
		"sellerId":      s.SellerID,
		"sellerAddress": lower(s.SellerAddress),
		"ownerId":       s.OwnerID,
		"ownerAddress":  lower(s.OwnerAddress),
		"txHash":        s.TxHash,
		"amount":        s.Amount,
	})
}

type FundsTransferred struct {
	FromUserID  string
	FromAddress string
	ToUserID    string
	ToAddress   string
	Amount      string
}

func (f FundsTransferred) Event() Event {
	return New(TypeFundsTransferred, map[string]string{
		"fromUserId":  f.FromUserID,
		"fromAddress": lower(f.FromAddress),
		"toUserId":    f.ToUserID,
		"toAddress":   lower(f.ToAddress),
		"amount":      f.Amount,
	})
}

type TokenTransferred struct {
	FromUserID   string
	FromAddress  string
	ToUserID     string
	ToAddress    string
	Token        string
	TokenAddress string
	Amount       string
}

func (t TokenTransferred) Event() Event {
	return New(TypeTokenTransferred, map[string]string{
		"fromUserId":   t.FromUserID,
		"fromAddress":  lower(t.FromAddress),
		"toUserId":     t.ToUserID,
		"toAddress":    lower(t.ToAddress),
		"token":        t.Token,
		"tokenAddress": lower(t.TokenAddress),
		"amount":       t.Amount,
	})
}

type EmailUpdated struct {
	UserID   string
	OldEmail string
	NewEmail string
}

func (e EmailUpdated) Event() Event {
	return New(TypeEmailUpdated, map[string]string{
		"userId":   e.UserID,
		"oldEmail": lower(e.OldEmail),
		"newEmail": lower(e.NewEmail),
	})
}

type UserUpdated struct {
	UserID      string
	ReferenceID string
}

func (u UserUpdated) Event() Event {
	return New(TypeUserUpdated, map[string]string{
		"userId":      u.UserID,
		"referenceId": u.ReferenceID,
	})
}
