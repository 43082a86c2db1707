package billing

import "strings"

// NoResultsMessage is shown whenever a search yields nothing to add.
const NoResultsMessage = "No results found."

// NoResultsReason distinguishes why a search produced no candidates. Both
// reasons render the same message.
type NoResultsReason string

const (
	NoResultsEmpty       NoResultsReason = "empty"
	NoResultsUnavailable NoResultsReason = "unavailable"
)

// SearchResult is what the catalog adapter reported for one query.
type SearchResult struct {
	Records []CatalogRecord
	Loading bool
	Err     error
}

// FilterOutcome is the candidate list for one query.
type FilterOutcome struct {
	Query      string          `json:"query"`
	Candidates []LineItem      `json:"candidates"`
	NoResults  bool            `json:"no_results"`
	Reason     NoResultsReason `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// FilterCandidates turns catalog records into addable candidates, dropping
// records already on the draft and records that do not match the query.
func FilterCandidates(query string, res SearchResult, draft Draft) FilterOutcome {
	out := FilterOutcome{Query: query, Candidates: []LineItem{}}
	if res.Loading || res.Err != nil {
		out.NoResults = true
		out.Reason = NoResultsUnavailable
		out.Message = NoResultsMessage
		return out
	}

	q := strings.ToLower(query)
	for _, r := range res.Records {
		if draft.Contains(r.ID) {
			continue
		}
		if matches(r, q) {
			out.Candidates = append(out.Candidates, NewCandidate(r))
		}
	}

	if len(out.Candidates) == 0 {
		out.NoResults = true
		out.Reason = NoResultsEmpty
		out.Message = NoResultsMessage
	}
	return out
}

func matches(r CatalogRecord, lowerQuery string) bool {
	switch r.Category {
	case CategoryStockItem:
		return r.DisplayName != ""
	case CategoryService:
		name := strings.ToLower(r.DisplayName)
		return strings.Contains(name, lowerQuery) || strings.HasPrefix(name, lowerQuery)
	}
	return false
}
