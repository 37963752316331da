package tipping

import "sort"

// TokenStats aggregates tips denominated in one token.
type TokenStats struct {
	Count int     `json:"count"`
	Total float64 `json:"total"`
}

// RepoStats is the aggregate view of one repository's tips.
type RepoStats struct {
	RepoRef  string                `json:"repoRef"`
	Count    int                   `json:"count"`
	Total    float64               `json:"total"`
	Average  float64               `json:"average"`
	ByToken  map[string]TokenStats `json:"byToken"`
	ByStatus map[Status]int        `json:"byStatus"`
}

// RepoTotal ranks one repository by tipped volume.
type RepoTotal struct {
	RepoRef string  `json:"repoRef"`
	Count   int     `json:"count"`
	Total   float64 `json:"total"`
}

// TipperStats is the aggregate view of one tipper's activity.
type TipperStats struct {
	Tipper   string      `json:"tipper"`
	Count    int         `json:"count"`
	Total    float64     `json:"total"`
	TopRepos []RepoTotal `json:"topRepos"`
}

// GlobalStats is the service-wide aggregate.
type GlobalStats struct {
	TotalTips   int                   `json:"totalTips"`
	TotalAmount float64               `json:"totalAmount"`
	ByToken     map[string]TokenStats `json:"byToken"`
	TopRepos    []RepoTotal           `json:"topRepos"`
}

const globalTopRepos = 10

// RepoStats aggregates all tips attributed to repoRef.
func (e *Engine) RepoStats(repoRef string) RepoStats {
	stats := RepoStats{
		RepoRef:  repoRef,
		ByToken:  make(map[string]TokenStats),
		ByStatus: make(map[Status]int),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tip := range e.tips {
		if tip.RepoRef != repoRef {
			continue
		}
		stats.Count++
		stats.Total += tip.Amount
		token := stats.ByToken[tip.Token]
		token.Count++
		token.Total += tip.Amount
		stats.ByToken[tip.Token] = token
		stats.ByStatus[tip.Status]++
	}
	if stats.Count > 0 {
		stats.Average = stats.Total / float64(stats.Count)
	}
	return stats
}

// TipperStats aggregates one tipper's activity with their top-n repositories
// by tipped volume.
func (e *Engine) TipperStats(tipper string, n int) TipperStats {
	stats := TipperStats{Tipper: tipper}
	perRepo := make(map[string]*RepoTotal)

	e.mu.Lock()
	for _, tip := range e.tips {
		if tip.Tipper != tipper {
			continue
		}
		stats.Count++
		stats.Total += tip.Amount
		entry, ok := perRepo[tip.RepoRef]
		if !ok {
			entry = &RepoTotal{RepoRef: tip.RepoRef}
			perRepo[tip.RepoRef] = entry
		}
		entry.Count++
		entry.Total += tip.Amount
	}
	e.mu.Unlock()

	stats.TopRepos = rankRepos(perRepo, n)
	return stats
}

// GlobalStats aggregates every tip with the top-10 repositories by volume.
func (e *Engine) GlobalStats() GlobalStats {
	stats := GlobalStats{ByToken: make(map[string]TokenStats)}
	perRepo := make(map[string]*RepoTotal)

	e.mu.Lock()
	for _, tip := range e.tips {
		stats.TotalTips++
		stats.TotalAmount += tip.Amount
		token := stats.ByToken[tip.Token]
		token.Count++
		token.Total += tip.Amount
		stats.ByToken[tip.Token] = token
		entry, ok := perRepo[tip.RepoRef]
		if !ok {
			entry = &RepoTotal{RepoRef: tip.RepoRef}
			perRepo[tip.RepoRef] = entry
		}
		entry.Count++
		entry.Total += tip.Amount
	}
	e.mu.Unlock()

	stats.TopRepos = rankRepos(perRepo, globalTopRepos)
	return stats
}

func rankRepos(perRepo map[string]*RepoTotal, n int) []RepoTotal {
	ranked := make([]RepoTotal, 0, len(perRepo))
	for _, entry := range perRepo {
		ranked = append(ranked, *entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Total == ranked[j].Total {
			return ranked[i].RepoRef < ranked[j].RepoRef
		}
		return ranked[i].Total > ranked[j].Total
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// BatchFilters narrows ProcessBatch to matching tips. Empty fields match
// everything.
type BatchFilters struct {
	RepoRef   string
	Token     string
	Recipient string
	Tipper    string
}

func (f BatchFilters) matches(tip *Tip) bool {
	if f.RepoRef != "" && tip.RepoRef != f.RepoRef {
		return false
	}
	if f.Token != "" && tip.Token != f.Token {
		return false
	}
	if f.Recipient != "" && tip.Recipient != f.Recipient {
		return false
	}
	if f.Tipper != "" && tip.Tipper != f.Tipper {
		return false
	}
	return true
}

// BatchResult is the settlement set returned by ProcessBatch.
type BatchResult struct {
	Tips  []*Tip  `json:"tips"`
	Total float64 `json:"total"`
}

// ProcessBatch returns the tips awaiting settlement (funded or locked)
// matching the filters, with their sum, for a nightly settlement caller.
func (e *Engine) ProcessBatch(filters BatchFilters) BatchResult {
	var result BatchResult

	e.mu.Lock()
	for _, tip := range e.tips {
		if tip.Status != StatusFunded && tip.Status != StatusLocked {
			continue
		}
		if !filters.matches(tip) {
			continue
		}
		result.Tips = append(result.Tips, tip.Clone())
		result.Total += tip.Amount
	}
	e.mu.Unlock()

	sort.Slice(result.Tips, func(i, j int) bool {
		if result.Tips[i].Timeline.CreatedAt.Equal(result.Tips[j].Timeline.CreatedAt) {
			return result.Tips[i].ID < result.Tips[j].ID
		}
		return result.Tips[i].Timeline.CreatedAt.Before(result.Tips[j].Timeline.CreatedAt)
	})
	return result
}
