package pricing

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Candidate pairs one parent reference with the pre-fetched lookup map it
// resolves against. Callers batch-fetch the maps so bulk paths pay one query
// per source kind instead of one per row.
type Candidate struct {
	Kind   string
	ID     *snowflake.ID
	Lookup map[snowflake.ID]snowflake.ID
}

// NotFoundError reports every candidate id that was tried before resolution
// gave up.
type NotFoundError struct {
	Tried []string
}

func (e *NotFoundError) Error() string {
	if len(e.Tried) == 0 {
		return "pricing context not found: no candidates supplied"
	}
	return fmt.Sprintf("pricing context not found: tried %s", strings.Join(e.Tried, ", "))
}

// Resolve walks the candidates in priority order and returns the pricing
// model of the first one whose id is present in its lookup map. Resolution
// never falls back to a default; an unresolvable record is a hard failure.
func Resolve(candidates []Candidate) (snowflake.ID, error) {
	tried := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == nil || *c.ID == 0 {
			continue
		}
		if modelID, ok := c.Lookup[*c.ID]; ok && modelID != 0 {
			return modelID, nil
		}
		tried = append(tried, fmt.Sprintf("%s=%s", c.Kind, c.ID.String()))
	}
	return 0, &NotFoundError{Tried: tried}
}
