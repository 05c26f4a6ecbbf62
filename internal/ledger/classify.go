package ledger

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/tickettoken/transfer-service/internal/resilience"
)

// JSON-RPC error codes returned by Solana nodes that indicate a degraded or
// lagging node rather than a problem with the request.
var transientRPCCodes = map[int]struct{}{
	-32603: {}, // internal error
	-32005: {}, // node is unhealthy / behind
	-32004: {}, // block not available for slot
	-32014: {}, // block status not yet available
	-32016: {}, // minimum context slot not reached
	429:    {},
}

var transientMarkers = []string{
	"429",
	"too many requests",
	"rate limit",
	"server busy",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
}

// IsTransient reports whether a ledger error is worth retrying and should
// count against the circuit breaker. Request-level rejections (bad keys,
// failed simulation, unknown mint) and an open breaker are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrAssetNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		_, ok := transientRPCCodes[rpcErr.Code]
		return ok
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isMissingMint(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return rpcErr.Code == -32602 && strings.Contains(msg, "mint")
}
