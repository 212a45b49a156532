package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pool is the identity of a pair contract. Known is false for contracts that
// emitted a Sync event but do not belong to a tracked dex; they are kept so
// the lookup is not repeated.
type Pool struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
	DEX     string
	Known   bool
}

type PoolRegistry struct {
	db *sql.DB
}

func (r *PoolRegistry) Get(addr common.Address) (Pool, bool, error) {
	var token0, token1, dex string
	var known bool
	err := r.db.QueryRow(
		"SELECT token0, token1, dex, known FROM pools WHERE address = ?",
		addr.Hex(),
	).Scan(&token0, &token1, &dex, &known)

	if errors.Is(err, sql.ErrNoRows) {
		return Pool{}, false, nil
	}
	if err != nil {
		return Pool{}, false, fmt.Errorf("get pool %s: %w", addr.Hex(), err)
	}
	return Pool{
		Address: addr,
		Token0:  common.HexToAddress(token0),
		Token1:  common.HexToAddress(token1),
		DEX:     dex,
		Known:   known,
	}, true, nil
}

func (r *PoolRegistry) Put(p Pool) error {
	_, err := r.db.Exec(
		"INSERT OR REPLACE INTO pools (address, token0, token1, dex, known, first_seen) VALUES (?, ?, ?, ?, ?, ?)",
		p.Address.Hex(), p.Token0.Hex(), p.Token1.Hex(), p.DEX, p.Known, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put pool %s: %w", p.Address.Hex(), err)
	}
	return nil
}

// PutBatch stores pools in one transaction.
func (r *PoolRegistry) PutBatch(pools []Pool) error {
	if len(pools) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO pools (address, token0, token1, dex, known, first_seen) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, p := range pools {
		if _, err := stmt.Exec(p.Address.Hex(), p.Token0.Hex(), p.Token1.Hex(), p.DEX, p.Known, now); err != nil {
			return fmt.Errorf("put pool %s: %w", p.Address.Hex(), err)
		}
	}
	return tx.Commit()
}

// Known returns every pool of a tracked dex, ordered by address.
func (r *PoolRegistry) Known() ([]Pool, error) {
	rows, err := r.db.Query("SELECT address, token0, token1, dex FROM pools WHERE known = 1 ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []Pool
	for rows.Next() {
		var addr, token0, token1, dex string
		if err := rows.Scan(&addr, &token0, &token1, &dex); err != nil {
			return nil, err
		}
		out = append(out, Pool{
			Address: common.HexToAddress(addr),
			Token0:  common.HexToAddress(token0),
			Token1:  common.HexToAddress(token1),
			DEX:     dex,
			Known:   true,
		})
	}
	return out, rows.Err()
}
