package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/metrics"
	"github.com/pulkyeet/cycle-searcher/internal/relay"
	"go.uber.org/zap"
)

// NonceSource is the slice of the node client the submitter needs.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type SubmitterConfig struct {
	ChainID *big.Int
	// Key signs the cycle transactions; nil uses a throwaway key, which only
	// makes sense for dry runs.
	Key            *ecdsa.PrivateKey
	GasPrice       *big.Int
	GasPerHop      uint64
	SlippageBps    int64
	TargetBlocks   uint64
	MaxRetries     int
	RetryBackoff   time.Duration
	PollInterval   time.Duration
	OutcomeTimeout time.Duration
	// TxLifetime is added to the submission time to form the swap deadline.
	TxLifetime time.Duration
}

// Submission is what came of sending one bundle.
type Submission struct {
	Bundle     *relay.Bundle
	BundleHash string
	Outcome    relay.Outcome
	Attempts   int
	Err        error
}

// Submitter turns an accepted candidate into a signed bundle, sends it and
// waits for the outcome.
type Submitter struct {
	cfg     SubmitterConfig
	sender  common.Address
	channel relay.Channel
	nonces  NonceSource
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewSubmitter(cfg SubmitterConfig, channel relay.Channel, nonces NonceSource, m *metrics.Metrics, log *zap.SugaredLogger) (*Submitter, error) {
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	if cfg.Key == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate searcher key: %w", err)
		}
		cfg.Key = key
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = big.NewInt(30e9)
	}
	if cfg.GasPerHop == 0 {
		cfg.GasPerHop = 90_000
	}
	if cfg.TargetBlocks == 0 {
		cfg.TargetBlocks = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.OutcomeTimeout <= 0 {
		cfg.OutcomeTimeout = 36 * time.Second
	}
	if cfg.TxLifetime <= 0 {
		cfg.TxLifetime = 2 * time.Minute
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Submitter{
		cfg:     cfg,
		sender:  crypto.PubkeyToAddress(cfg.Key.PublicKey),
		channel: channel,
		nonces:  nonces,
		metrics: m,
		log:     log,
		now:     time.Now,
	}, nil
}

func (s *Submitter) Sender() common.Address { return s.sender }

// Bundle signs the cycle's swaps behind the pending transaction, if any,
// targeting the blocks after the candidate's snapshot.
func (s *Submitter) Bundle(ctx context.Context, c *arbitrage.CandidatePath, pending *arbitrage.PendingAction) (*relay.Bundle, error) {
	var nonce uint64
	if s.nonces != nil {
		n, err := s.nonces.PendingNonceAt(ctx, s.sender)
		if err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		nonce = n
	}
	legacy, err := arbitrage.BuildCycleTransactions(c, arbitrage.TxParams{
		Executor:    s.sender,
		Deadline:    uint64(s.now().Add(s.cfg.TxLifetime).Unix()),
		GasPrice:    s.cfg.GasPrice,
		GasPerHop:   s.cfg.GasPerHop,
		Nonce:       nonce,
		SlippageBps: s.cfg.SlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("build cycle: %w", err)
	}

	signer := types.LatestSignerForChainID(s.cfg.ChainID)
	raws := make([][]byte, 0, len(legacy)+1)
	ours := make([]common.Hash, 0, len(legacy))
	if pending != nil {
		raw, err := pending.RawTx()
		if err != nil {
			return nil, fmt.Errorf("encode pending %s: %w", pending.Hash.Hex(), err)
		}
		raws = append(raws, raw)
	}
	for i, ltx := range legacy {
		tx, err := types.SignNewTx(s.cfg.Key, signer, ltx)
		if err != nil {
			return nil, fmt.Errorf("sign hop %d: %w", i, err)
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode hop %d: %w", i, err)
		}
		raws = append(raws, raw)
		ours = append(ours, tx.Hash())
	}
	b := relay.NewBundle(raws, ours, c.Version.Height+1, s.cfg.TargetBlocks)
	if pending != nil {
		b.Trigger = pending.Hash
	}
	return b, nil
}

// Submit sends the bundle and waits for a final outcome. Transient relay
// errors are retried with backoff until sendBy; the wait is bounded by the
// outcome timeout, after which the outcome is unknown.
func (s *Submitter) Submit(ctx context.Context, c *arbitrage.CandidatePath, pending *arbitrage.PendingAction, sendBy time.Time) *Submission {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OutcomeTimeout)
	defer cancel()

	sub := &Submission{Outcome: relay.OutcomeUnknown}
	defer func() { s.metrics.SubmissionResults.WithLabelValues(sub.Outcome.String()).Inc() }()

	b, err := s.Bundle(ctx, c, pending)
	if err != nil {
		sub.Outcome, sub.Err = relay.OutcomeRejected, err
		return sub
	}
	sub.Bundle = b

	if err := s.send(ctx, sub, sendBy); err != nil {
		sub.Err = err
		if errors.Is(err, relay.ErrRejected) {
			sub.Outcome = relay.OutcomeRejected
		}
		s.log.Infof("bundle %s not sent after %d attempts: %v", b.ID, sub.Attempts, err)
		return sub
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		out, err := s.channel.Status(ctx, b)
		if err != nil {
			s.log.Debugf("bundle %s status: %v", b.ID, err)
		} else if out.Final() {
			sub.Outcome = out
			return sub
		}
		select {
		case <-ctx.Done():
			sub.Outcome = relay.OutcomeUnknown
			return sub
		case <-ticker.C:
		}
	}
}

func (s *Submitter) send(ctx context.Context, sub *Submission, sendBy time.Time) error {
	sendCtx := ctx
	if !sendBy.IsZero() {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithDeadline(ctx, sendBy)
		defer cancel()
	}
	backoff := s.cfg.RetryBackoff
	for {
		sub.Attempts++
		hash, err := s.channel.SendBundle(sendCtx, sub.Bundle)
		if err == nil {
			sub.BundleHash = hash
			return nil
		}
		if !errors.Is(err, relay.ErrTransient) || sub.Attempts > s.cfg.MaxRetries {
			return err
		}
		s.log.Debugf("bundle %s attempt %d: %v, retrying in %s", sub.Bundle.ID, sub.Attempts, err, backoff)
		select {
		case <-sendCtx.Done():
			return fmt.Errorf("retry budget spent: %w", err)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
