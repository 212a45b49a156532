package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"go.uber.org/zap"
)

// ParquetRow is the subset of the mempool-dumpster schema the replay needs.
type ParquetRow struct {
	Timestamp             int64  `parquet:"name=timestamp, type=INT64"`
	Hash                  string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainID               string `parquet:"name=chainId, type=BYTE_ARRAY, convertedtype=UTF8"`
	From                  string `parquet:"name=from, type=BYTE_ARRAY, convertedtype=UTF8"`
	To                    string `parquet:"name=to, type=BYTE_ARRAY, convertedtype=UTF8"`
	IncludedAtBlockHeight int64  `parquet:"name=includedAtBlockHeight, type=INT64"`
	RawTx                 string `parquet:"name=rawTx, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// HeaderSource fetches historical headers for the replay.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type replayTx struct {
	tx     *types.Transaction
	seenAt time.Time
}

// ParquetSource replays a mempool-dumpster file over a block range. For every
// height it emits the transactions later included in that block, in the order
// they were first seen, then the block itself loaded from the node. Without a
// loader only pending transactions are emitted.
type ParquetSource struct {
	path       string
	start, end uint64
	headers    HeaderSource
	loader     *BlockLoader
	batch      int
	log        *zap.SugaredLogger
}

func NewParquetSource(path string, start, end uint64, headers HeaderSource, loader *BlockLoader, log *zap.SugaredLogger) *ParquetSource {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ParquetSource{path: path, start: start, end: end, headers: headers, loader: loader, batch: 1000, log: log}
}

func (s *ParquetSource) Name() string { return "parquet" }

func (s *ParquetSource) Run(ctx context.Context, out chan<- Notification) error {
	byBlock, err := s.read()
	if err != nil {
		return err
	}

	heights := make([]uint64, 0, len(byBlock))
	for h := range byBlock {
		heights = append(heights, h)
	}
	if s.loader != nil && s.end >= s.start {
		heights = heights[:0]
		for h := s.start; h <= s.end; h++ {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	for _, h := range heights {
		for _, rt := range byBlock[h] {
			if !send(ctx, out, PendingObserved{Tx: rt.tx, SeenAt: rt.seenAt}) {
				return nil
			}
		}
		if s.loader == nil {
			continue
		}
		hdr, err := s.headers.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
		if err != nil {
			return fmt.Errorf("replay header %d: %w", h, err)
		}
		b, err := s.loader.Load(ctx, hdr)
		if err != nil {
			return fmt.Errorf("replay block %d: %w", h, err)
		}
		if !send(ctx, out, BlockCommitted{Block: b}) {
			return nil
		}
	}
	return nil
}

func (s *ParquetSource) inRange(h uint64) bool {
	if h == 0 {
		return false
	}
	if s.start != 0 && h < s.start {
		return false
	}
	return s.end == 0 || h <= s.end
}

// read loads every in-range row, grouped by inclusion height. Rows that
// were never included or fail to decode are skipped.
func (s *ParquetSource) read() (map[uint64][]replayTx, error) {
	fr, err := local.NewLocalFileReader(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(ParquetRow), 4)
	if err != nil {
		return nil, fmt.Errorf("parquet reader: %w", err)
	}
	defer pr.ReadStop()

	byBlock := make(map[uint64][]replayTx)
	total := int(pr.GetNumRows())
	skipped := 0
	for read := 0; read < total; read += s.batch {
		n := min(s.batch, total-read)
		rows := make([]ParquetRow, n)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read rows %d-%d: %w", read, read+n, err)
		}
		for _, row := range rows {
			h := uint64(max(row.IncludedAtBlockHeight, 0))
			if !s.inRange(h) {
				continue
			}
			tx, err := decodeRawTx(row.RawTx)
			if err != nil {
				skipped++
				continue
			}
			byBlock[h] = append(byBlock[h], replayTx{tx: tx, seenAt: time.UnixMilli(row.Timestamp)})
		}
	}
	for h := range byBlock {
		txs := byBlock[h]
		sort.SliceStable(txs, func(i, j int) bool { return txs[i].seenAt.Before(txs[j].seenAt) })
	}
	s.log.Infof("replay: %d rows, %d blocks in range, %d undecodable", total, len(byBlock), skipped)
	return byBlock, nil
}

func decodeRawTx(raw string) (*types.Transaction, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	return tx, nil
}
