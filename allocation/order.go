package allocation

import (
	"fmt"
	"sort"

	"github.com/warp/valueledger/ledger"
)

// Order splits sources into the pretax and post-tax phases and sorts each
// phase into application order.
func Order(sources []Source) (pretax, postTax []Source) {
	for _, s := range sources {
		if isPretax(s) {
			pretax = append(pretax, s)
		} else {
			postTax = append(postTax, s)
		}
	}
	sortPhase(pretax)
	sortPhase(postTax)
	return pretax, postTax
}

func isPretax(s Source) bool {
	switch s.Rail {
	case ledger.RailLightrail:
		return s.Value.Pretax
	case ledger.RailInternal:
		return s.Internal.Pretax
	case ledger.RailStripe:
		return false
	default:
		panic(fmt.Sprintf("allocation: unknown rail %q", s.Rail))
	}
}

func railRank(s Source) int {
	switch s.Rail {
	case ledger.RailInternal:
		if s.Internal.BeforeLightrail {
			return 0
		}
		return 2
	case ledger.RailLightrail:
		return 1
	case ledger.RailStripe:
		return 3
	default:
		panic(fmt.Sprintf("allocation: unknown rail %q", s.Rail))
	}
}

func lightrailRank(s Source) int {
	switch {
	case s.Value.Discount:
		return 0
	case s.GenericDerived:
		return 1
	default:
		return 2
	}
}

func sortPhase(srcs []Source) {
	sort.SliceStable(srcs, func(i, j int) bool {
		a, b := srcs[i], srcs[j]
		if ra, rb := railRank(a), railRank(b); ra != rb {
			return ra < rb
		}
		if a.Rail == ledger.RailLightrail {
			if la, lb := lightrailRank(a), lightrailRank(b); la != lb {
				return la < lb
			}
			ea, eb := a.Value.EndDate, b.Value.EndDate
			switch {
			case ea != nil && eb == nil:
				return true
			case ea == nil && eb != nil:
				return false
			case ea != nil && eb != nil && !ea.Equal(*eb):
				return ea.Before(*eb)
			}
		}
		return a.Index < b.Index
	})
}
