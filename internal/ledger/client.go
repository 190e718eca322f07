// Package ledger wraps a Solana JSON-RPC node. It validates addresses, reads
// balances, fetches a recent blockhash, builds unsigned transfer transactions
// and reads back confirmed transfers. It never signs or broadcasts: signing
// happens in the buyer's own wallet.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-lottery-backend/internal/config"
)

var (
	// ErrInvalidAddress is returned for input that is not a 32-byte base58 key.
	ErrInvalidAddress = errors.New("ledger: invalid address")

	// ErrInvalidSignature is returned for input that is not a 64-byte base58
	// transaction signature.
	ErrInvalidSignature = errors.New("ledger: invalid transaction signature")

	// ErrTxNotFound is returned when the node knows no confirmed transaction
	// for a signature.
	ErrTxNotFound = errors.New("ledger: transaction not found")

	// ErrNetwork wraps every failure to get an answer from the node:
	// transport errors, timeouts, non-2xx responses and JSON-RPC errors.
	ErrNetwork = errors.New("ledger: node unavailable")
)

// Commitment used for reads.
const commitment = rpc.CommitmentConfirmed

var rpcDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ledger_rpc_duration_seconds",
		Help:    "Ledger JSON-RPC call duration by method and outcome.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "outcome"},
)

func init() {
	prometheus.MustRegister(rpcDuration)
}

// Client talks to one JSON-RPC endpoint.
type Client struct {
	RPC     *rpc.Client
	Timeout time.Duration
}

// New returns a Client for cfg.RPCURL with cfg.Timeout applied to every call.
func New(cfg config.LedgerConfig) *Client {
	return &Client{
		RPC:     rpc.New(cfg.RPCURL),
		Timeout: cfg.Timeout,
	}
}

// observe runs one node call under a span, the per-call timeout and the
// duration histogram. Any error fn returns is reported as ErrNetwork.
func (c *Client) observe(ctx context.Context, method string, fn func(context.Context) error) (err error) {
	tr := otel.Tracer("ledger/Client")
	ctx, span := tr.Start(ctx, method, trace.WithAttributes(attribute.String("rpc.method", method)))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		rpcDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
		span.End()
	}()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetwork, method, err)
	}
	return nil
}

// GetBalance returns the balance of addr in native units (lamports / 1e9).
func (c *Client) GetBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	pk, err := parseKey(addr)
	if err != nil {
		return decimal.Zero, err
	}
	var lamports uint64
	err = c.observe(ctx, "getBalance", func(ctx context.Context) error {
		res, err := c.RPC.GetBalance(ctx, pk, commitment)
		if err != nil {
			return err
		}
		lamports = res.Value
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return FromLamports(lamports), nil
}

// HasSufficientBalance reports balance >= required. Any error reads as false.
func (c *Client) HasSufficientBalance(ctx context.Context, addr string, required decimal.Decimal) bool {
	bal, err := c.GetBalance(ctx, addr)
	if err != nil {
		return false
	}
	return bal.GreaterThanOrEqual(required)
}

// GetRecentAnchor returns a recent blockhash to anchor a transaction.
func (c *Client) GetRecentAnchor(ctx context.Context) (string, error) {
	hash, err := c.recentBlockhash(ctx)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (c *Client) recentBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := c.observe(ctx, "getLatestBlockhash", func(ctx context.Context) error {
		res, err := c.RPC.GetLatestBlockhash(ctx, commitment)
		if err != nil {
			return err
		}
		if res == nil || res.Value == nil || res.Value.Blockhash.IsZero() {
			return errors.New("empty blockhash")
		}
		hash = res.Value.Blockhash
		return nil
	})
	return hash, err
}

// Transfer is one System Program transfer inside a transaction.
type Transfer struct {
	From     string
	To       string
	Lamports uint64
}

// ObservedTransaction is a transaction as a node reports it at "confirmed"
// commitment or better.
type ObservedTransaction struct {
	Signature string
	// Failed is true when the transaction landed but its execution errored.
	Failed    bool
	BlockTime *time.Time
	Transfers []Transfer
}

// TransferredTo sums the lamports moved from → to by the transaction.
func (o *ObservedTransaction) TransferredTo(from, to string) uint64 {
	var total uint64
	for _, t := range o.Transfers {
		if t.From == from && t.To == to {
			total += t.Lamports
		}
	}
	return total
}

// GetTransaction fetches the confirmed transaction behind sig and extracts
// its System Program transfers. An unknown or not yet confirmed signature
// yields ErrTxNotFound.
func (c *Client) GetTransaction(ctx context.Context, sig string) (*ObservedTransaction, error) {
	s, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	maxVersion := uint64(0)
	var res *rpc.GetTransactionResult
	notFound := false
	err = c.observe(ctx, "getTransaction", func(ctx context.Context) error {
		var err error
		res, err = c.RPC.GetTransaction(ctx, s, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     commitment,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if notFound || res == nil || res.Transaction == nil {
		return nil, ErrTxNotFound
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: getTransaction: decode: %v", ErrNetwork, err)
	}
	out := &ObservedTransaction{
		Signature: sig,
		Failed:    res.Meta != nil && res.Meta.Err != nil,
		Transfers: systemTransfers(tx),
	}
	if res.BlockTime != nil {
		t := res.BlockTime.Time().UTC()
		out.BlockTime = &t
	}
	return out, nil
}

// systemTransfers decodes the top-level System Program transfer
// instructions of tx. Instructions that cannot be resolved are skipped.
func systemTransfers(tx *solana.Transaction) []Transfer {
	metas, err := tx.Message.AccountMetaList()
	if err != nil {
		return nil
	}
	var out []Transfer
	for _, ix := range tx.Message.Instructions {
		prog, err := tx.Message.Program(ix.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.SystemProgramID) {
			continue
		}
		accounts, ok := instructionAccounts(metas, ix.Accounts)
		if !ok {
			continue
		}
		decoded, err := system.DecodeInstruction(accounts, ix.Data)
		if err != nil {
			continue
		}
		var t *system.Transfer
		switch impl := decoded.Impl.(type) {
		case *system.Transfer:
			t = impl
		case system.Transfer:
			t = &impl
		default:
			continue
		}
		if t.Lamports == nil || len(t.AccountMetaSlice) < 2 || t.GetFundingAccount() == nil || t.GetRecipientAccount() == nil {
			continue
		}
		out = append(out, Transfer{
			From:     t.GetFundingAccount().PublicKey.String(),
			To:       t.GetRecipientAccount().PublicKey.String(),
			Lamports: *t.Lamports,
		})
	}
	return out
}

func instructionAccounts(metas solana.AccountMetaSlice, idx []uint16) ([]*solana.AccountMeta, bool) {
	out := make([]*solana.AccountMeta, len(idx))
	for i, a := range idx {
		if int(a) >= len(metas) {
			return nil, false
		}
		out[i] = metas[a]
	}
	return out, true
}
