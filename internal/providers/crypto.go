package providers

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/chain"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

const cryptoIntentPrefix = "cq_"

// ChainAPI is the subset of the JSON-RPC client the adapter uses.
type ChainAPI interface {
	TransactionByHash(ctx context.Context, hash string) (*chain.Transaction, error)
	TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error)
	Confirmations(ctx context.Context, rcpt *chain.Receipt) (uint64, error)
	SendTransaction(ctx context.Context, from, to string, valueWei *big.Int) (string, error)
}

// CryptoProvider accepts native-coin transfers to a platform receiving
// address. Amounts are held in gwei.
type CryptoProvider struct {
	api              ChainAPI
	receiving        string
	minConfirmations uint64
	now              func() time.Time
}

func NewCryptoProvider(api ChainAPI, receivingAddress string, minConfirmations int) (*CryptoProvider, error) {
	if api == nil {
		return nil, errors.New("chain client is required")
	}
	addr, err := chain.ChecksumAddress(receivingAddress)
	if err != nil {
		return nil, err
	}
	if minConfirmations < 1 {
		minConfirmations = 1
	}
	return &CryptoProvider{
		api:              api,
		receiving:        addr,
		minConfirmations: uint64(minConfirmations),
		now:              time.Now,
	}, nil
}

func (p *CryptoProvider) Name() enums.PaymentProvider {
	return enums.ProviderCrypto
}

// CreateIntent quotes the payment; the client secret is the address to pay.
func (p *CryptoProvider) CreateIntent(_ context.Context, req IntentRequest) (IntentResult, error) {
	id := req.PaymentID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return IntentResult{
		ProviderIntentID: cryptoIntentPrefix + strings.ReplaceAll(id.String(), "-", ""),
		ClientSecret:     p.receiving,
		ProviderStatus:   "AWAITING_TRANSFER",
	}, nil
}

type chainCheck struct {
	tx            *chain.Transaction
	receipt       *chain.Receipt
	confirmations uint64
	amount        int64
}

func (p *CryptoProvider) inspect(ctx context.Context, hash string) (chainCheck, error) {
	var out chainCheck
	tx, err := p.api.TransactionByHash(ctx, hash)
	if err != nil {
		return out, err
	}
	if tx == nil {
		return out, pkgerrors.Newf(pkgerrors.CodeValidation, "transaction %s not found", hash)
	}
	if !chain.SameAddress(tx.To, p.receiving) {
		return out, pkgerrors.New(pkgerrors.CodeValidation, "transaction does not pay the receiving address")
	}
	wei, err := tx.ValueWei()
	if err != nil {
		return out, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction value")
	}
	amount, ok := chain.GweiFromWei(wei)
	if !ok {
		return out, pkgerrors.New(pkgerrors.CodeValidation, "transaction value is not a whole gwei amount")
	}
	out.tx = tx
	out.amount = amount

	rcpt, err := p.api.TransactionReceipt(ctx, hash)
	if err != nil {
		return out, err
	}
	out.receipt = rcpt
	if rcpt == nil {
		return out, nil
	}
	out.confirmations, err = p.api.Confirmations(ctx, rcpt)
	return out, err
}

// Confirm checks the transfer named by methodRef (a transaction hash).
func (p *CryptoProvider) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	hash := strings.TrimSpace(req.MethodRef)
	if hash == "" {
		return ConfirmResult{}, pkgerrors.New(pkgerrors.CodeValidation, "crypto payments require a transaction hash")
	}
	check, err := p.inspect(ctx, hash)
	if err != nil {
		return ConfirmResult{}, err
	}

	res := ConfirmResult{TransactionID: hash}
	switch {
	case check.amount < req.Amount:
		res.Outcome = OutcomeFailed
		res.FailureReason = "amount_mismatch"
		res.ProviderStatus = "UNDERPAID"
	case check.receipt == nil:
		res.Outcome = OutcomeProcessing
		res.ProviderStatus = "PENDING"
	case !check.receipt.Succeeded():
		res.Outcome = OutcomeFailed
		res.FailureReason = "reverted"
		res.ProviderStatus = "REVERTED"
	case check.confirmations < p.minConfirmations:
		res.Outcome = OutcomeProcessing
		res.ProviderStatus = "CONFIRMING"
	default:
		res.Outcome = OutcomeSucceeded
		res.ProviderStatus = "CONFIRMED"
	}
	return res, nil
}

// Cancel is a no-op before funds arrive; an on-chain transfer cannot be voided.
func (p *CryptoProvider) Cancel(_ context.Context, req CancelRequest) error {
	if req.TransactionID != "" {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "crypto transfer already received")
	}
	return nil
}

// Refund sends value back to the original sender from the receiving wallet.
func (p *CryptoProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.TransactionID == "" {
		return RefundResult{}, pkgerrors.New(pkgerrors.CodeValidation, "crypto refunds require the original transaction hash")
	}
	tx, err := p.api.TransactionByHash(ctx, req.TransactionID)
	if err != nil {
		return RefundResult{}, err
	}
	if tx == nil || tx.From == "" {
		return RefundResult{}, pkgerrors.Newf(pkgerrors.CodeValidation, "transaction %s not found", req.TransactionID)
	}

	value := chain.WeiFromGwei(req.Amount)
	if req.Amount <= 0 {
		if value, err = tx.ValueWei(); err != nil {
			return RefundResult{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction value")
		}
	}
	hash, err := p.api.SendTransaction(ctx, p.receiving, tx.From, value)
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{RefundRef: hash, ProviderStatus: "BROADCAST"}, nil
}

type chainNotification struct {
	EventID    string `json:"event_id"`
	IntentID   string `json:"intent_id"`
	TxHash     string `json:"tx_hash"`
	OccurredAt string `json:"occurred_at"`
}

// VerifyWebhook trusts nothing in the notification except the hash: the
// transfer is re-read from the chain and must be final.
func (p *CryptoProvider) VerifyWebhook(ctx context.Context, payload []byte, _ http.Header) (CanonicalEvent, error) {
	var note chainNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return CanonicalEvent{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "decode chain notification")
	}
	if note.EventID == "" || note.TxHash == "" || note.IntentID == "" {
		return CanonicalEvent{}, pkgerrors.New(pkgerrors.CodeSignature, "chain notification missing identifiers")
	}

	check, err := p.inspect(ctx, note.TxHash)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
			return CanonicalEvent{}, err
		}
		return CanonicalEvent{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "chain notification not backed by chain state")
	}
	if !check.receipt.Succeeded() || check.confirmations < p.minConfirmations {
		return CanonicalEvent{}, pkgerrors.New(pkgerrors.CodeSignature, "chain notification references an unconfirmed transfer")
	}

	occurred := p.now().UTC()
	if note.OccurredAt != "" {
		occurred = parseTimestamp(note.OccurredAt)
	}
	return CanonicalEvent{
		Provider:         enums.ProviderCrypto,
		ProviderEventID:  note.EventID,
		Type:             enums.CanonicalPaymentSucceeded,
		RawType:          "transfer.confirmed",
		ProviderIntentID: note.IntentID,
		TransactionID:    note.TxHash,
		Amount:           check.amount,
		Currency:         "ETH",
		OccurredAt:       occurred,
	}, nil
}
