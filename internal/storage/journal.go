package storage

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CycleRecord summarizes one decision cycle.
type CycleRecord struct {
	ID         string
	Trigger    common.Hash
	Kind       string
	State      string
	Reason     string
	StartToken common.Address
	Path       []common.Address
	AmountIn   *big.Int
	NetProfit  *big.Int
	Height     uint64
	Epoch      uint64
	BundleID   string
	StartedAt  time.Time
	Duration   time.Duration
}

type Journal struct {
	db *sql.DB
}

func (j *Journal) Record(r CycleRecord) error {
	path := make([]string, len(r.Path))
	for i, p := range r.Path {
		path[i] = p.Hex()
	}
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO cycles
		(id, trigger_hash, kind, state, reason, start_token, path, amount_in, net_profit,
		 snapshot_height, epoch, bundle_id, started_at, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Trigger.Hex(), r.Kind, r.State, r.Reason, r.StartToken.Hex(),
		strings.Join(path, ","), bigString(r.AmountIn), bigString(r.NetProfit),
		r.Height, r.Epoch, r.BundleID, r.StartedAt.UnixMilli(), r.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", r.ID, err)
	}
	return nil
}

// Counts returns the number of recorded cycles per terminal state.
func (j *Journal) Counts() (map[string]int, error) {
	rows, err := j.db.Query("SELECT state, COUNT(*) FROM cycles GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count cycles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// Recent returns up to limit cycles, newest first.
func (j *Journal) Recent(limit int) ([]CycleRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, trigger_hash, kind, state, reason, start_token, path, amount_in, net_profit,
		       snapshot_height, epoch, bundle_id, started_at, duration_us
		FROM cycles ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var (
			r                     CycleRecord
			trigger, start, path  string
			amountIn, netProfit   string
			startedMs, durationUs int64
		)
		if err := rows.Scan(&r.ID, &trigger, &r.Kind, &r.State, &r.Reason, &start, &path, &amountIn, &netProfit,
			&r.Height, &r.Epoch, &r.BundleID, &startedMs, &durationUs); err != nil {
			return nil, err
		}
		r.Trigger = common.HexToHash(trigger)
		r.StartToken = common.HexToAddress(start)
		if path != "" {
			for _, p := range strings.Split(path, ",") {
				r.Path = append(r.Path, common.HexToAddress(p))
			}
		}
		r.AmountIn, _ = new(big.Int).SetString(amountIn, 10)
		r.NetProfit, _ = new(big.Int).SetString(netProfit, 10)
		r.StartedAt = time.UnixMilli(startedMs)
		r.Duration = time.Duration(durationUs) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
