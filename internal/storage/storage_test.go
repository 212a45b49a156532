package storage

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "searcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPoolRegistry(t *testing.T) {
	reg := openTemp(t).Pools()

	pool := Pool{
		Address: common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"),
		Token0:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Token1:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		DEX:     "uniswap",
		Known:   true,
	}
	_, ok, err := reg.Get(pool.Address)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, reg.Put(pool))
	got, ok, err := reg.Get(pool.Address)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pool, got)

	foreign := Pool{Address: common.HexToAddress("0x01"), Token0: common.HexToAddress("0x02"), Token1: common.HexToAddress("0x03")}
	require.NoError(t, reg.PutBatch([]Pool{foreign}))
	got, ok, err = reg.Get(foreign.Address)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, got.Known)

	known, err := reg.Known()
	require.NoError(t, err)
	require.Len(t, known, 1)
	require.Equal(t, pool.Address, known[0].Address)
}

func TestJournal(t *testing.T) {
	db := openTemp(t)
	j := db.Journal()

	start := time.UnixMilli(1_700_000_000_000)
	recs := []CycleRecord{
		{ID: "a", Kind: "graph", State: "not-found", StartedAt: start, Duration: 150 * time.Microsecond},
		{ID: "b", Kind: "pending", State: "unknown", StartedAt: start.Add(time.Second), Duration: time.Second,
			Trigger: common.HexToHash("0xabc"), StartToken: common.HexToAddress("0x01"),
			Path:     []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02"), common.HexToAddress("0x01")},
			AmountIn: big.NewInt(1000), NetProfit: big.NewInt(-5), Height: 10, Epoch: 2, BundleID: "bundle-1"},
		{ID: "c", Kind: "graph", State: "not-found", StartedAt: start.Add(2 * time.Second)},
	}
	for _, r := range recs {
		require.NoError(t, j.Record(r))
	}

	counts, err := j.Counts()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"not-found": 2, "unknown": 1}, counts)

	recent, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "c", recent[0].ID)

	b := recent[1]
	require.Equal(t, "b", b.ID)
	require.Equal(t, recs[1].Path, b.Path)
	require.Equal(t, "-5", b.NetProfit.String())
	require.Equal(t, "1000", b.AmountIn.String())
	require.Equal(t, time.Second, b.Duration)
	require.Equal(t, uint64(2), b.Epoch)
	require.Equal(t, recs[1].Trigger, b.Trigger)

	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(3), stats["cycles"])
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Pools().Put(Pool{Address: common.HexToAddress("0x01"), Known: true}))
	known, err := db.Pools().Known()
	require.NoError(t, err)
	require.Len(t, known, 1)
}
