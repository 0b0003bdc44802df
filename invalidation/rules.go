package invalidation

import "github.com/unkn0wn-root/cacheaside/events"

// Target names used by DefaultRules.
const (
	// Chain holds read-through results of on-chain views, keyed
	// "<view>:<address>[:...]".
	Chain = "chain"
	// Users holds profile-level entries such as "user_profile:<id>".
	Users = "users"
)

// Views cached under the Chain target.
const (
	RecentTrades         = "getRecentTrades"
	UserTradeHistory     = "viewUserTradeHistory"
	UserSharesCount      = "viewUserSharesCount"
	UserBalance          = "viewUserBalance"
	SharesPrice          = "viewSharesPrice"
	UserEarnedFees       = "viewUserEarnedFees"
	UserTradingVolume    = "viewUserTradingVolume"
	UserListTokenBalance = "viewUserListTokenBalance"
	UserTokenBalance     = "viewUserTokenBalance"
)

// Keys cached under the Users target.
const (
	UserProfile   = "user_profile"
	IntegrateUser = "viewIntegrateUser"
)

// DefaultRules returns the invalidation rules for the trading, transfer and
// account events. Addresses are lower-cased; reference ids are upper-cased.
func DefaultRules() []Rule {
	trade := func(ev string, parties ...string) Rule {
		r := Rule{Event: ev, Purges: []Purge{{Target: Chain, Template: RecentTrades + ":", Prefix: true}}}
		for _, a := range parties {
			r.Purges = append(r.Purges, addressViews(a)...)
			r.Purges = append(r.Purges, Purge{Target: Chain, Template: UserTradeHistory + ":{" + a + "}:", Prefix: true, Lower: true})
		}
		return r
	}
	transfer := func(ev string, token bool) Rule {
		r := Rule{Event: ev}
		for _, a := range []string{"fromAddress", "toAddress"} {
			r.Purges = append(r.Purges,
				Purge{Target: Chain, Template: UserBalance + ":{" + a + "}", Lower: true},
				Purge{Target: Chain, Template: UserListTokenBalance + ":{" + a + "}", Lower: true},
			)
			if token {
				r.Purges = append(r.Purges, Purge{Target: Chain, Template: UserTokenBalance + ":{" + a + "}:{tokenAddress}", Lower: true})
			}
		}
		return r
	}

	return []Rule{
		trade(events.TypeSharesBought, "buyerAddress", "ownerAddress"),
		trade(events.TypeSharesSold, "sellerAddress", "ownerAddress"),
		transfer(events.TypeFundsTransferred, false),
		transfer(events.TypeTokenTransferred, true),
		{Event: events.TypeEmailUpdated, Purges: []Purge{
			{Target: Users, Template: UserProfile + ":{userId}"},
		}},
		{Event: events.TypeUserUpdated, Purges: []Purge{
			{Target: Users, Template: UserProfile + ":{userId}"},
			{Target: Users, Template: IntegrateUser + ":{referenceId}", Upper: true},
		}},
	}
}

func addressViews(attr string) []Purge {
	views := []string{UserBalance, SharesPrice, UserTradingVolume, UserSharesCount, UserEarnedFees}
	out := make([]Purge, len(views))
	for i, v := range views {
		out[i] = Purge{Target: Chain, Template: v + ":{" + attr + "}", Lower: true}
	}
	return out
}
