/**
 * @description
 * This package encapsulates every call the transfer-service makes to the
 * Solana network: ownership verification, ticket NFT transfer submission, and
 * signature status lookup.
 *
 * Each RPC goes through the dependency's circuit breaker, and the breaker call
 * is wrapped by the retry executor with a per-operation attempt budget. The
 * signed transaction is built once per SubmitTransfer; retries resend the same
 * bytes, so a resend after an ambiguous timeout cannot produce a second transfer.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: keys, transactions, SPL token instructions, RPC client.
 * - github.com/gagliardetto/binary: SPL token account decoding.
 * - internal/resilience: breaker, retry executor.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/tickettoken/transfer-service/internal/resilience"
)

// BreakerName is the registry key of the Solana RPC breaker.
const BreakerName = "solana-rpc"

var (
	ErrInvalidAddress   = errors.New("invalid ledger address")
	ErrInvalidSignature = errors.New("invalid transaction signature")
	ErrAssetNotFound    = errors.New("asset does not exist on ledger")
)

// ConfirmationStatus is the ledger's view of a submitted transaction.
type ConfirmationStatus string

const (
	ConfirmationNotFound  ConfirmationStatus = "NOT_FOUND"
	ConfirmationProcessed ConfirmationStatus = "PROCESSED"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationFinalized ConfirmationStatus = "FINALIZED"
	ConfirmationFailed    ConfirmationStatus = "FAILED"
)

// IsConfirmed reports whether the transaction reached a supermajority vote.
func (s ConfirmationStatus) IsConfirmed() bool {
	return s == ConfirmationConfirmed || s == ConfirmationFinalized
}

// SubmitResult carries the signature of the submitted transfer.
type SubmitResult struct {
	Signature string
}

// SubmitError is returned when a signed transaction could not be confirmed as
// sent. Signature is set whenever signing succeeded: the transaction may still
// land, so the caller must keep it for reconciliation.
type SubmitError struct {
	Signature string
	Err       error
}

func (e *SubmitError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("submit transfer: %v", e.Err)
	}
	return fmt.Sprintf("submit transfer (signature %s): %v", e.Signature, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Gateway is the ledger contract consumed by the orchestrator.
type Gateway interface {
	VerifyOwnership(ctx context.Context, assetID, walletAddress string) (bool, error)
	SubmitTransfer(ctx context.Context, assetID, fromWallet, toWallet string) (*SubmitResult, error)
	GetConfirmationStatus(ctx context.Context, signature string) (ConfirmationStatus, error)
}

// RPCClient is the subset of *rpc.Client used by SolanaGateway.
type RPCClient interface {
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Options sets the per-operation retry budgets and the read commitment.
type Options struct {
	VerifyRetry resilience.RetryOptions
	SubmitRetry resilience.RetryOptions
	StatusRetry resilience.RetryOptions
	Commitment  rpc.CommitmentType
}

// SolanaGateway moves ticket NFTs held under the platform custody authority.
// The authority is the delegate on every ticket token account it mints, so it
// signs transfers on behalf of the holder and pays for new token accounts.
type SolanaGateway struct {
	client    RPCClient
	authority solana.PrivateKey
	breaker   *resilience.Breaker
	opts      Options
}

// NewSolanaGateway builds a gateway. breaker should be the registry's
// BreakerName entry, configured with IsTransient as its failure predicate.
func NewSolanaGateway(client RPCClient, authority solana.PrivateKey, breaker *resilience.Breaker, opts Options) *SolanaGateway {
	if opts.Commitment == "" {
		opts.Commitment = rpc.CommitmentConfirmed
	}
	opts.VerifyRetry.Name = "ledger.verify_ownership"
	opts.SubmitRetry.Name = "ledger.submit_transfer"
	opts.StatusRetry.Name = "ledger.confirmation_status"
	return &SolanaGateway{
		client:    client,
		authority: authority,
		breaker:   breaker,
		opts:      opts,
	}
}

// VerifyOwnership reports whether walletAddress holds a non-zero balance of assetID.
func (g *SolanaGateway) VerifyOwnership(ctx context.Context, assetID, walletAddress string) (bool, error) {
	mint, err := parseKey(assetID)
	if err != nil {
		return false, err
	}
	owner, err := parseKey(walletAddress)
	if err != nil {
		return false, err
	}

	accounts, err := g.tokenAccounts(ctx, owner, mint, g.opts.VerifyRetry)
	if err != nil {
		return false, err
	}
	for _, acct := range accounts {
		if acct.Amount > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SubmitTransfer moves one unit of assetID from fromWallet's associated token
// account to toWallet's, creating the destination account when needed.
func (g *SolanaGateway) SubmitTransfer(ctx context.Context, assetID, fromWallet, toWallet string) (*SubmitResult, error) {
	mint, err := parseKey(assetID)
	if err != nil {
		return nil, &SubmitError{Err: err}
	}
	from, err := parseKey(fromWallet)
	if err != nil {
		return nil, &SubmitError{Err: err}
	}
	to, err := parseKey(toWallet)
	if err != nil {
		return nil, &SubmitError{Err: err}
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(from, mint)
	if err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("derive source token account: %w", err)}
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("derive destination token account: %w", err)}
	}

	destinationAccounts, err := g.tokenAccounts(ctx, to, mint, g.opts.SubmitRetry)
	if err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("inspect destination token accounts: %w", err)}
	}
	hasDestination := false
	for _, acct := range destinationAccounts {
		if acct.Address.Equals(destinationATA) {
			hasDestination = true
			break
		}
	}

	authority := g.authority.PublicKey()
	instructions := make([]solana.Instruction, 0, 2)
	if !hasDestination {
		create, buildErr := associatedtokenaccount.NewCreateInstruction(authority, to, mint).ValidateAndBuild()
		if buildErr != nil {
			return nil, &SubmitError{Err: fmt.Errorf("build create-account instruction: %w", buildErr)}
		}
		instructions = append(instructions, create)
	}
	transfer, err := token.NewTransferCheckedInstruction(1, 0, sourceATA, mint, destinationATA, authority, []solana.PublicKey{}).ValidateAndBuild()
	if err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("build transfer instruction: %w", err)}
	}
	instructions = append(instructions, transfer)

	blockhash, err := resilience.RetryValue(ctx, func(ctx context.Context) (*rpc.GetLatestBlockhashResult, error) {
		var out *rpc.GetLatestBlockhashResult
		callErr := g.breaker.Execute(ctx, func(ctx context.Context) error {
			var rpcErr error
			out, rpcErr = g.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
			return rpcErr
		})
		return out, callErr
	}, IsTransient, g.opts.SubmitRetry)
	if err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("fetch latest blockhash: %w", err)}
	}
	if blockhash == nil || blockhash.Value == nil {
		return nil, &SubmitError{Err: errors.New("fetch latest blockhash: empty response")}
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(authority))
	if err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("assemble transaction: %w", err)}
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(authority) {
			return &g.authority
		}
		return nil
	}); err != nil {
		return nil, &SubmitError{Err: fmt.Errorf("sign transaction: %w", err)}
	}
	signature := tx.Signatures[0].String()

	sendOpts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: g.opts.Commitment,
	}
	_, err = resilience.RetryValue(ctx, func(ctx context.Context) (solana.Signature, error) {
		var sig solana.Signature
		callErr := g.breaker.Execute(ctx, func(ctx context.Context) error {
			var rpcErr error
			sig, rpcErr = g.client.SendTransactionWithOpts(ctx, tx, sendOpts)
			return rpcErr
		})
		return sig, callErr
	}, IsTransient, g.opts.SubmitRetry)
	if err != nil {
		log.Printf("level=warn component=ledger op=submit_transfer asset_id=%s signature=%s msg=\"send failed\" err=%v", assetID, signature, err)
		return nil, &SubmitError{Signature: signature, Err: err}
	}

	log.Printf("level=info component=ledger op=submit_transfer asset_id=%s signature=%s create_destination=%t msg=\"transfer submitted\"", assetID, signature, !hasDestination)
	return &SubmitResult{Signature: signature}, nil
}

// GetConfirmationStatus looks the signature up, including transaction history.
func (g *SolanaGateway) GetConfirmationStatus(ctx context.Context, signature string) (ConfirmationStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out, err := resilience.RetryValue(ctx, func(ctx context.Context) (*rpc.GetSignatureStatusesResult, error) {
		var res *rpc.GetSignatureStatusesResult
		callErr := g.breaker.Execute(ctx, func(ctx context.Context) error {
			var rpcErr error
			res, rpcErr = g.client.GetSignatureStatuses(ctx, true, sig)
			return rpcErr
		})
		return res, callErr
	}, IsTransient, g.opts.StatusRetry)
	if err != nil {
		return "", err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return ConfirmationNotFound, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return ConfirmationFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return ConfirmationFinalized, nil
	case rpc.ConfirmationStatusConfirmed:
		return ConfirmationConfirmed, nil
	default:
		return ConfirmationProcessed, nil
	}
}

type tokenAccount struct {
	Address solana.PublicKey
	Amount  uint64
}

func (g *SolanaGateway) tokenAccounts(ctx context.Context, owner, mint solana.PublicKey, retry resilience.RetryOptions) ([]tokenAccount, error) {
	mintFilter := mint
	out, err := resilience.RetryValue(ctx, func(ctx context.Context) (*rpc.GetTokenAccountsResult, error) {
		var res *rpc.GetTokenAccountsResult
		callErr := g.breaker.Execute(ctx, func(ctx context.Context) error {
			var rpcErr error
			res, rpcErr = g.client.GetTokenAccountsByOwner(ctx, owner,
				&rpc.GetTokenAccountsConfig{Mint: &mintFilter},
				&rpc.GetTokenAccountsOpts{Commitment: g.opts.Commitment, Encoding: solana.EncodingBase64},
			)
			if rpcErr != nil && isMissingMint(rpcErr) {
				return fmt.Errorf("%w: %s", ErrAssetNotFound, mint)
			}
			return rpcErr
		})
		return res, callErr
	}, IsTransient, retry)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	accounts := make([]tokenAccount, 0, len(out.Value))
	for _, item := range out.Value {
		if item == nil || item.Account.Data == nil {
			continue
		}
		var decoded token.Account
		if err := bin.NewBinDecoder(item.Account.Data.GetBinary()).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("decode token account %s: %w", item.Pubkey, err)
		}
		if !decoded.Mint.Equals(mint) {
			continue
		}
		accounts = append(accounts, tokenAccount{Address: item.Pubkey, Amount: decoded.Amount})
	}
	return accounts, nil
}

func parseKey(raw string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, raw, err)
	}
	return key, nil
}
