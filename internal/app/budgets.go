package app

import (
	"fmt"

	"github.com/lucasew/picturecache"
	"github.com/shogo82148/go-sfv"
)

// ParseBudgets parses a Structured Field dictionary of byte budgets, e.g.
//
//	shortterm=104857600, longterm=1073741824, eternal=0
func ParseBudgets(s string) (map[picturecache.LifeSpan]int64, error) {
	dict, err := sfv.DecodeDictionary([]string{s})
	if err != nil {
		return nil, fmt.Errorf("failed to parse budgets: %w", err)
	}

	budgets := make(map[picturecache.LifeSpan]int64, len(dict))
	for _, member := range dict {
		ls, err := picturecache.ParseLifeSpan(member.Key)
		if err != nil {
			return nil, err
		}
		n, ok := member.Item.Value.(int64)
		if !ok || n < 0 {
			return nil, fmt.Errorf("budget for %s must be a non-negative integer", member.Key)
		}
		budgets[ls] = n
	}
	return budgets, nil
}
