// Package oracles holds SQL checks that must return no rows however the
// actors interleave.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the oracles. Dates are compared in UTC, the zone the stress
// run configures for the SLA calculator.
func All() []Oracle {
	return []Oracle{
		{
			Name: "closure_matches_state",
			SQL: `SELECT id, state, closure_date FROM claims
                  WHERE (state IN ('closed','closed_locked')) <> (closure_date IS NOT NULL)`,
		},
		{
			Name: "compliance_needs_deadline_and_closure",
			SQL: `SELECT id, compliant, theoretical_deadline, closure_date FROM claims
                  WHERE compliant IS NOT NULL
                    AND (closure_date IS NULL OR theoretical_deadline IS NULL)`,
		},
		{
			Name: "compliance_arithmetic",
			SQL: `SELECT id, delay_days, compliant FROM claims
                  WHERE compliant IS NOT NULL
                    AND (delay_days <> theoretical_deadline - closure_date
                         OR compliant <> (closure_date <= theoretical_deadline))`,
		},
		{
			Name: "deadline_from_snapshot",
			SQL: `SELECT id, theoretical_deadline, response_days_snapshot FROM claims
                  WHERE theoretical_deadline IS NOT NULL
                    AND (theoretical_deadline <> created_on + response_days_snapshot
                         OR created_on <> (created_at AT TIME ZONE 'UTC')::date)`,
		},
		{
			Name: "routed_claims_are_complete",
			SQL: `SELECT id FROM claims
                  WHERE (matrix_entry_id IS NULL) <> (response_days_snapshot IS NULL)`,
		},
		{
			Name: "single_approval_per_closure",
			SQL: `SELECT claim_id, COUNT(*) FROM claim_events
                  WHERE type = 'approved'
                  GROUP BY claim_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "event_per_version",
			SQL: `SELECT c.id, c.version, COUNT(e.id) FROM claims c
                  LEFT JOIN claim_events e ON e.claim_id = c.id
                  GROUP BY c.id, c.version HAVING COUNT(e.id) <> c.version`,
		},
		{
			Name: "event_chain",
			SQL: `WITH chain AS (
                      SELECT claim_id, version, from_state, to_state,
                             LAG(to_state) OVER (PARTITION BY claim_id ORDER BY version) AS prev
                      FROM claim_events)
                  SELECT * FROM chain WHERE prev IS NOT NULL AND from_state IS DISTINCT FROM prev`,
		},
		{
			Name: "locked_claims_stay_locked",
			SQL: `SELECT claim_id, version FROM claim_events
                  WHERE from_state = 'closed_locked'`,
		},
		{
			Name: "outbox_per_event",
			SQL: `SELECT c.id FROM claims c
                  WHERE (SELECT COUNT(*) FROM claim_events e WHERE e.claim_id = c.id)
                     <> (SELECT COUNT(*) FROM outbox o WHERE o.message_key = c.id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
