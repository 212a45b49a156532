package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

func writeDump(t *testing.T, rows []ParquetRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mempool.parquet")
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, new(ParquetRow), 1)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, pw.Write(r))
	}
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())
	return path
}

func rawRow(t *testing.T, ts int64, included int64, nonce uint64) (ParquetRow, common.Hash) {
	t.Helper()
	tx := swapTx(t, common.HexToAddress("0x99"), nil, nonce)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return ParquetRow{
		Timestamp:             ts,
		Hash:                  tx.Hash().Hex(),
		ChainID:               "1",
		IncludedAtBlockHeight: included,
		RawTx:                 hexutil.Encode(raw),
	}, tx.Hash()
}

func TestParquetSourceReplaysByBlock(t *testing.T) {
	late, lateHash := rawRow(t, 3_000, 100, 1)
	early, earlyHash := rawRow(t, 1_000, 100, 2)
	next, nextHash := rawRow(t, 2_000, 101, 3)
	before, _ := rawRow(t, 500, 99, 4)
	dropped, _ := rawRow(t, 600, 0, 5)
	broken := ParquetRow{Timestamp: 700, Hash: "0x01", IncludedAtBlockHeight: 100, RawTx: "0xzz"}

	path := writeDump(t, []ParquetRow{late, early, next, before, dropped, broken})
	src := NewParquetSource(path, 100, 101, nil, nil, nil)

	out := make(chan Notification, 16)
	require.NoError(t, src.Run(context.Background(), out))

	got := drain(out)
	require.Len(t, got, 3)
	var hashes []common.Hash
	for _, n := range got {
		p, ok := n.(PendingObserved)
		require.True(t, ok)
		hashes = append(hashes, p.Tx.Hash())
	}
	require.Equal(t, []common.Hash{earlyHash, lateHash, nextHash}, hashes)
	require.EqualValues(t, 1_000, got[0].(PendingObserved).SeenAt.UnixMilli())
}

func TestParquetSourceEmitsBlocks(t *testing.T) {
	chain := newFakeChain()
	h100 := chain.add(100, common.Hash{}, 0, true, syncLog(poolAB, 100, 200))
	chain.add(101, h100.Hash(), 0, true)

	row, hash := rawRow(t, 1_000, 101, 1)
	path := writeDump(t, []ParquetRow{row})
	src := NewParquetSource(path, 100, 101, chain, NewBlockLoader(chain, seededResolver(t), nil), nil)

	out := make(chan Notification, 16)
	require.NoError(t, src.Run(context.Background(), out))
	got := drain(out)
	require.Len(t, got, 3)

	b100 := got[0].(BlockCommitted).Block
	require.EqualValues(t, 100, b100.Height)
	require.Len(t, b100.Updates, 1)
	require.Equal(t, hash, got[1].(PendingObserved).Tx.Hash())
	require.EqualValues(t, 101, got[2].(BlockCommitted).Block.Height)
	require.Equal(t, "200", b100.Updates[0].Reserve1.String())
}
