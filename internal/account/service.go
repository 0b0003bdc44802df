package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/unkn0wn-root/cacheaside"
	c "github.com/unkn0wn-root/cacheaside/codec"
	"github.com/unkn0wn-root/cacheaside/events"
	"github.com/unkn0wn-root/cacheaside/invalidation"
	"github.com/unkn0wn-root/cacheaside/store"
)

var ErrNotFound = errors.New("account: user not found")

type Options struct {
	// Codec for cached users. Default msgpack.
	Codec   c.Codec[User]
	Lockout cacheaside.LockoutOptions
	// Bus receives EmailUpdated and UserUpdated. Nil publishes nothing.
	Bus events.Bus
	// Profiles holds profile views ("user_profile:<id>"). It must be the
	// scope registered as the router's users target. Default: unnamed scope.
	Profiles   *cacheaside.Scope
	ProfileTTL time.Duration
}

// Service is the narrow surface business code calls: lookups, saves,
// updates, deletes and PIN checks.
type Service struct {
	repo       *cacheaside.Repository[User]
	lockout    *cacheaside.Lockout
	bus        events.Bus
	log        cacheaside.Logger
	profiles   *cacheaside.Scope
	profileTTL time.Duration
}

func NewService(kv *cacheaside.KV, backing store.Store[User], opts Options) (*Service, error) {
	codec := opts.Codec
	if codec == nil {
		codec = c.Msgpack[User]{}
	}
	ec, err := cacheaside.NewEntityCache(kv, Descriptor, codec)
	if err != nil {
		return nil, err
	}
	repo, err := cacheaside.NewRepository(ec, backing)
	if err != nil {
		return nil, err
	}
	profiles := opts.Profiles
	if profiles == nil {
		profiles = kv.Scope("")
	}
	s := &Service{repo: repo, bus: opts.Bus, log: kv.Logger(), profiles: profiles, profileTTL: opts.ProfileTTL}
	s.lockout, err = cacheaside.NewLockout(kv, subjects{svc: s}, opts.Lockout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Repository() *cacheaside.Repository[User] { return s.repo }

func (s *Service) Lockout() *cacheaside.Lockout { return s.lockout }

func (s *Service) GetByID(ctx context.Context, id string) (User, error) {
	return s.get(ctx, id)
}

func (s *Service) GetByWallet(ctx context.Context, address string) (User, error) {
	return s.get(ctx, FieldWalletAddress+":"+strings.ToLower(address))
}

func (s *Service) GetByTwitter(ctx context.Context, screenName string) (User, error) {
	return s.get(ctx, FieldTwitterScreenName+":"+screenName)
}

func (s *Service) get(ctx context.Context, key string) (User, error) {
	u, ok, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Profile is the public view of a user.
type Profile struct {
	ID                string    `json:"id" msgpack:"id"`
	WalletAddress     string    `json:"walletAddress,omitempty" msgpack:"walletAddress,omitempty"`
	TwitterScreenName string    `json:"twitterScreenName,omitempty" msgpack:"twitterScreenName,omitempty"`
	Email             string    `json:"email,omitempty" msgpack:"email,omitempty"`
	ReferenceID       string    `json:"referenceId,omitempty" msgpack:"referenceId,omitempty"`
	Status            Status    `json:"status" msgpack:"status"`
	PinSet            bool      `json:"pinSet" msgpack:"pinSet"`
	CreatedAt         time.Time `json:"createdAt" msgpack:"createdAt"`
}

func profileOf(u User) Profile {
	return Profile{
		ID:                u.ID,
		WalletAddress:     u.WalletAddress,
		TwitterScreenName: u.TwitterScreenName,
		Email:             u.Email,
		ReferenceID:       u.ReferenceID,
		Status:            u.Status,
		PinSet:            u.PinSecret != "",
		CreatedAt:         u.CreatedAt,
	}
}

// Profile returns the user's profile view, cached as "user_profile:<id>".
// The entry is dropped by the EmailUpdated and UserUpdated rules, not by
// the entity cache.
func (s *Service) Profile(ctx context.Context, id string) (Profile, error) {
	key := invalidation.UserProfile + ":" + id
	return cacheaside.Remember(ctx, s.profiles, c.Msgpack[Profile]{}, key, s.profileTTL, func(ctx context.Context) (Profile, error) {
		u, err := s.get(ctx, id)
		if err != nil {
			return Profile{}, err
		}
		return profileOf(u), nil
	})
}

// Integration returns the profile of the user with an integration
// reference id, cached as "viewIntegrateUser:<REFERENCE>".
func (s *Service) Integration(ctx context.Context, referenceID string) (Profile, error) {
	key := invalidation.IntegrateUser + ":" + strings.ToUpper(referenceID)
	return cacheaside.Remember(ctx, s.profiles, c.Msgpack[Profile]{}, key, s.profileTTL, func(ctx context.Context) (Profile, error) {
		u, ok, err := s.repo.FindOne(ctx, store.Query{Filter: store.Filter{FieldReferenceID: referenceID}})
		if err != nil {
			return Profile{}, err
		}
		if !ok {
			return Profile{}, ErrNotFound
		}
		return profileOf(u), nil
	})
}

// SetReference links the user to an integration reference id. The view
// under the replaced reference is invalidated as well.
func (s *Service) SetReference(ctx context.Context, id, referenceID string) error {
	prev, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateByID(ctx, id, store.Changes{FieldReferenceID: referenceID}); err != nil {
		return err
	}
	if prev.ReferenceID != "" && !strings.EqualFold(prev.ReferenceID, referenceID) {
		s.publish(ctx, events.UserUpdated{UserID: id, ReferenceID: prev.ReferenceID}.Event())
	}
	s.publishUserUpdated(ctx, id)
	return nil
}

// Register stores a new active user.
func (s *Service) Register(ctx context.Context, u User) (User, error) {
	u.WalletAddress = strings.ToLower(u.WalletAddress)
	u.Email = strings.ToLower(u.Email)
	u.Status = StatusActive
	return s.repo.Save(ctx, u)
}

// UpdateWallet moves the user to a new address. The old address key is
// purged with the rest of the user's keys.
func (s *Service) UpdateWallet(ctx context.Context, id, address string) error {
	if err := s.repo.UpdateByID(ctx, id, store.Changes{FieldWalletAddress: strings.ToLower(address)}); err != nil {
		return err
	}
	s.publishUserUpdated(ctx, id)
	return nil
}

func (s *Service) UpdateEmail(ctx context.Context, id, email string) error {
	prev, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	email = strings.ToLower(email)
	if err := s.repo.UpdateByID(ctx, id, store.Changes{FieldEmail: email}); err != nil {
		return err
	}
	s.publish(ctx, events.EmailUpdated{UserID: id, OldEmail: prev.Email, NewEmail: email}.Event())
	return nil
}

func (s *Service) UpdateTwitter(ctx context.Context, id, screenName string) error {
	if err := s.repo.UpdateByID(ctx, id, store.Changes{FieldTwitterScreenName: screenName}); err != nil {
		return err
	}
	s.publishUserUpdated(ctx, id)
	return nil
}

// SetPin stores the bcrypt hash of pin.
func (s *Service) SetPin(ctx context.Context, id, pin string) error {
	hash, err := cacheaside.HashPin(pin)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateByID(ctx, id, store.Changes{FieldPinSecret: hash}); err != nil {
		return err
	}
	s.publishUserUpdated(ctx, id)
	return nil
}

func (s *Service) ValidatePin(ctx context.Context, id, pin string) (cacheaside.Decision, error) {
	return s.lockout.ValidatePin(ctx, id, pin)
}

// Unlock reactivates a locked user.
func (s *Service) Unlock(ctx context.Context, id string) error {
	if err := s.repo.UpdateByID(ctx, id, store.Changes{FieldStatus: string(StatusActive)}); err != nil {
		return err
	}
	s.publishUserUpdated(ctx, id)
	return nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.SoftDeleteByID(ctx, id); err != nil {
		return err
	}
	s.publishUserUpdated(ctx, id)
	return nil
}

// List pages through visible users; sort uses "-createdAt" style fields.
func (s *Service) List(ctx context.Context, p store.Page) (cacheaside.Paged[User], error) {
	return s.repo.Paginate(ctx, p)
}

func (s *Service) publishUserUpdated(ctx context.Context, id string) {
	u, ok, err := s.repo.GetByKeyWithDeleted(ctx, id)
	if err != nil || !ok {
		s.publish(ctx, events.UserUpdated{UserID: id}.Event())
		return
	}
	s.publish(ctx, events.UserUpdated{UserID: id, ReferenceID: u.ReferenceID}.Event())
}

// publish is fire-and-forget: a lost event leaves dependent entries stale
// until their TTL.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn("event publish failed", cacheaside.Fields{"type": e.Type, "logId": e.LogID, "err": err})
	}
}

// subjects exposes users to the lockout. Reads go through the cache; the
// lock itself is a store write that invalidates the cached user.
type subjects struct {
	svc *Service
}

func (s subjects) LoadSubject(ctx context.Context, id string) (cacheaside.Subject, bool, error) {
	u, ok, err := s.svc.repo.GetByKey(ctx, id)
	if err != nil || !ok {
		return cacheaside.Subject{}, ok, err
	}
	return cacheaside.Subject{ID: u.ID, Active: u.Status == StatusActive, SecretHash: u.PinSecret}, true, nil
}

func (s subjects) LockSubject(ctx context.Context, id string) error {
	if err := s.svc.repo.UpdateByID(ctx, id, store.Changes{FieldStatus: string(StatusLocked)}); err != nil {
		return err
	}
	s.svc.publishUserUpdated(ctx, id)
	return nil
}
