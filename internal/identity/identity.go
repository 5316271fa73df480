// Package identity resolves the caller's wallet address and whether it
// belongs to a verified person.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/tripstake/internal/domain"
)

// WalletHeaderName carries the caller's ledger address.
const WalletHeaderName = "X-Wallet-Address"

type contextKey int

const walletKey contextKey = iota

var (
	evmAddressPattern    = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	hederaAccountPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// WalletFromContext returns the caller's normalised wallet address, or ""
// when the request carried none.
func WalletFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(walletKey).(string); ok {
		return v
	}
	return ""
}

// WithWallet returns a context carrying wallet.
func WithWallet(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, walletKey, wallet)
}

// ValidAddress reports whether addr is a 0x-prefixed 20-byte hex address or
// a shard.realm.num account id. addr must already be normalised.
func ValidAddress(addr string) bool {
	return evmAddressPattern.MatchString(addr) || hederaAccountPattern.MatchString(addr)
}

// Middleware reads the wallet header and stores the normalised address in
// the request context. A malformed address is rejected with 400; a missing
// one is allowed through for read-only routes.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := domain.NormalizeAddress(r.Header.Get(WalletHeaderName))
		if wallet == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !ValidAddress(wallet) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"malformed wallet address","kind":"InvalidParticipant"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithWallet(r.Context(), wallet)))
	})
}

// Verifier decides whether a wallet belongs to a verified person.
type Verifier interface {
	IsVerified(ctx context.Context, wallet string) (bool, error)
}

// AllowAll treats every wallet as verified.
type AllowAll struct{}

// IsVerified implements Verifier.
func (AllowAll) IsVerified(context.Context, string) (bool, error) {
	return true, nil
}

// StaticVerifier verifies a fixed set of wallets.
type StaticVerifier struct {
	wallets map[string]struct{}
}

// NewStaticVerifier builds a verifier from a list of addresses.
func NewStaticVerifier(wallets []string) *StaticVerifier {
	v := &StaticVerifier{wallets: make(map[string]struct{}, len(wallets))}
	for _, w := range wallets {
		if w = domain.NormalizeAddress(w); w != "" {
			v.wallets[w] = struct{}{}
		}
	}
	return v
}

// IsVerified implements Verifier.
func (v *StaticVerifier) IsVerified(_ context.Context, wallet string) (bool, error) {
	_, ok := v.wallets[domain.NormalizeAddress(wallet)]
	return ok, nil
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
