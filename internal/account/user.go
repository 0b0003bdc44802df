// Package account is the user aggregate: a cached repository over the users
// table, PIN verification with lockout, and the events account changes
// publish.
package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/unkn0wn-root/cacheaside"
	"github.com/unkn0wn-root/cacheaside/store/sqlstore"
)

type Status string

const (
	StatusActive Status = "active"
	StatusLocked Status = "locked"
)

// User is both the cached snapshot and the gorm model. Wallet addresses and
// twitter handles are unique when set; the cache addresses users by them.
type User struct {
	ID                string         `json:"id" msgpack:"id" gorm:"primaryKey"`
	WalletAddress     string         `json:"walletAddress,omitempty" msgpack:"walletAddress,omitempty" gorm:"uniqueIndex:idx_users_wallet_address,where:wallet_address <> ''"`
	TwitterScreenName string         `json:"twitterScreenName,omitempty" msgpack:"twitterScreenName,omitempty" gorm:"uniqueIndex:idx_users_twitter_screen_name,where:twitter_screen_name <> ''"`
	Email             string         `json:"email,omitempty" msgpack:"email,omitempty"`
	ReferenceID       string         `json:"referenceId,omitempty" msgpack:"referenceId,omitempty"`
	Status            Status         `json:"status" msgpack:"status" gorm:"not null"`
	PinSecret         string         `json:"pinSecret,omitempty" msgpack:"pinSecret,omitempty"`
	CreatedAt         time.Time      `json:"createdAt" msgpack:"createdAt"`
	DeletedAt         gorm.DeletedAt `json:"-" msgpack:"-" gorm:"index"`
}

// Store field names.
const (
	FieldID                = "id"
	FieldWalletAddress     = "walletAddress"
	FieldTwitterScreenName = "twitterScreenName"
	FieldEmail             = "email"
	FieldReferenceID       = "referenceId"
	FieldStatus            = "status"
	FieldPinSecret         = "pinSecret"
	FieldCreatedAt         = "createdAt"
)

// UserTTL bounds how long a cached user can outlive an event it missed.
const UserTTL = 8 * time.Hour

// Descriptor addresses a user by id, wallet address and twitter handle.
// Wallet addresses are compared lower-cased.
var Descriptor = cacheaside.Descriptor[User]{
	Namespace: "user",
	Primary:   cacheaside.Key[User]{Field: FieldID, Value: func(u User) string { return u.ID }},
	SubKeys: []cacheaside.Key[User]{
		{Field: FieldWalletAddress, Value: func(u User) string { return strings.ToLower(u.WalletAddress) }},
		{Field: FieldTwitterScreenName, Value: func(u User) string { return u.TwitterScreenName }},
	},
	TTL: UserTTL,
}

// NewStore returns the users table store.
func NewStore(db *gorm.DB) (*sqlstore.Store[User], error) {
	return sqlstore.New[User](db)
}

// Migrate creates or updates the users table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&User{}); err != nil {
		return fmt.Errorf("account: migrate users: %w", err)
	}
	return nil
}
