package access

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Finitoshi/telegram-bot/holder"
	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/storage"
	"github.com/Finitoshi/telegram-bot/wallet"
)

const mint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeGate struct {
	mu      sync.Mutex
	holders map[string]bool
	calls   atomic.Int32
}

func (g *fakeGate) HasSufficientBalance(_ context.Context, w, m string) bool {
	g.calls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	return m == mint && g.holders[w]
}

func (g *fakeGate) set(w string, has bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holders[w] = has
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStorage
	gate  *fakeGate
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStorage(),
		gate:  &fakeGate{holders: map[string]bool{}},
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	keeper := holder.NewNonceKeeper(f.store, 5*time.Minute, sl.Discard())
	keeper.SetClock(clock)
	f.svc = NewService(keeper, f.store, wallet.NewVerifier(sl.Discard()), f.gate, mint, sl.Discard())
	f.svc.SetClock(clock)
	return f
}

type key struct {
	address string
	priv    ed25519.PrivateKey
}

func newWallet(t *testing.T) key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key{address: wallet.EncodeAddress(pub), priv: priv}
}

func (k key) sign(t *testing.T, nonce string) string {
	t.Helper()
	raw, err := hex.DecodeString(nonce)
	require.NoError(t, err)
	return hex.EncodeToString(ed25519.Sign(k.priv, raw))
}

func TestConnectIssuesNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := newWallet(t)

	assert.Equal(t, Unconnected, f.svc.State(ctx, 1))

	nonce, err := f.svc.Connect(ctx, 1, "  "+w.address+" ")
	require.NoError(t, err)
	assert.Len(t, nonce, 64)
	assert.Equal(t, NonceIssued, f.svc.State(ctx, 1))

	rec, err := f.store.GetNonce(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, nonce, rec.Nonce)
	assert.Equal(t, w.address, rec.Wallet)
}

func TestConnectRejectsBadAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Connect(ctx, 1, "not a wallet")
	require.ErrorIs(t, err, ErrInvalidAddress)
	var addrErr *wallet.AddressError
	require.True(t, errors.As(err, &addrErr))
	assert.Equal(t, wallet.ReasonEncoding, addrErr.Reason)

	_, err = f.svc.Connect(ctx, 1, "")
	require.ErrorIs(t, err, ErrMissingArgument)

	assert.Equal(t, Unconnected, f.svc.State(ctx, 1))
}

func TestSignVerifiesAndConsumesNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := newWallet(t)
	f.gate.set(w.address, true)

	nonce, err := f.svc.Connect(ctx, 7, w.address)
	require.NoError(t, err)
	signature := w.sign(t, nonce)

	decision, err := f.svc.Sign(ctx, 7, signature)
	require.NoError(t, err)
	assert.Equal(t, Decision{Wallet: w.address, Verified: true, HasToken: true}, decision)
	assert.Equal(t, Verified, f.svc.State(ctx, 7))
	assert.True(t, f.svc.Authorize(ctx, 7))

	rec, err := f.store.GetNonce(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, rec, "nonce must be gone after verification")

	_, err = f.svc.Sign(ctx, 7, signature)
	require.ErrorIs(t, err, ErrNoNonce)
}

func TestSignInsufficientBalanceKeepsNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := newWallet(t)

	nonce, err := f.svc.Connect(ctx, 3, w.address)
	require.NoError(t, err)
	signature := w.sign(t, nonce)

	decision, err := f.svc.Sign(ctx, 3, signature)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, decision.Verified)
	assert.False(t, decision.HasToken)
	assert.Equal(t, NonceIssued, f.svc.State(ctx, 3))
	assert.False(t, f.svc.Authorize(ctx, 3))

	// topping up lets the same proof through
	f.gate.set(w.address, true)
	_, err = f.svc.Sign(ctx, 3, signature)
	require.NoError(t, err)
	assert.Equal(t, Verified, f.svc.State(ctx, 3))
}

func TestSignBadSignatureKeepsNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := newWallet(t)
	other := newWallet(t)
	f.gate.set(w.address, true)

	nonce, err := f.svc.Connect(ctx, 4, w.address)
	require.NoError(t, err)

	_, err = f.svc.Sign(ctx, 4, other.sign(t, nonce))
	require.ErrorIs(t, err, ErrInvalidSignature)
	_, err = f.svc.Sign(ctx, 4, "xyz")
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, int32(0), f.gate.calls.Load(), "balance is not checked before the signature")
	assert.Equal(t, NonceIssued, f.svc.State(ctx, 4))

	_, err = f.svc.Sign(ctx, 4, w.sign(t, nonce))
	require.NoError(t, err)
}

func TestSignAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := newWallet(t)
	f.gate.set(w.address, true)

	nonce, err := f.svc.Connect(ctx, 5, w.address)
	require.NoError(t, err)

	f.now = f.now.Add(5*time.Minute + time.Millisecond)
	assert.Equal(t, Unconnected, f.svc.State(ctx, 5))

	_, err = f.svc.Sign(ctx, 5, w.sign(t, nonce))
	require.ErrorIs(t, err, ErrNoNonce)
}

func TestSignWithoutConnect(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Sign(context.Background(), 6, "abcd")
	require.ErrorIs(t, err, ErrNoNonce)

	_, err = f.svc.Sign(context.Background(), 6, " ")
	require.ErrorIs(t, err, ErrMissingArgument)
}

func TestConcurrentSignSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := newWallet(t)
	f.gate.set(w.address, true)

	nonce, err := f.svc.Connect(ctx, 11, w.address)
	require.NoError(t, err)
	signature := w.sign(t, nonce)

	const racers = 8
	var wins, noNonce atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Sign(ctx, 11, signature)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrNoNonce):
				noNonce.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(racers-1), noNonce.Load())
}

func TestVerifiedTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.SetVerifiedTTL(time.Hour)
	w := newWallet(t)
	f.gate.set(w.address, true)

	nonce, err := f.svc.Connect(ctx, 12, w.address)
	require.NoError(t, err)
	_, err = f.svc.Sign(ctx, 12, w.sign(t, nonce))
	require.NoError(t, err)
	assert.True(t, f.svc.Authorize(ctx, 12))

	f.now = f.now.Add(time.Hour)
	assert.False(t, f.svc.Authorize(ctx, 12))
	assert.Equal(t, Unconnected, f.svc.State(ctx, 12))
}

type downAccess struct{ *storage.MemoryStorage }

func (downAccess) GetAccess(context.Context, int64) (*storage.AccessRecord, error) {
	return nil, errors.New("connection refused")
}

func TestAccessOutageFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveAccess(ctx, &storage.AccessRecord{UserId: 9, Verified: true, VerifiedAt: time.Now()}))

	keeper := holder.NewNonceKeeper(store, time.Minute, sl.Discard())
	svc := NewService(keeper, downAccess{store}, wallet.NewVerifier(sl.Discard()), &fakeGate{holders: map[string]bool{}}, mint, sl.Discard())

	assert.False(t, svc.Authorize(ctx, 9))
	assert.Equal(t, Unconnected, svc.State(ctx, 9))
}

type unsavedAccess struct{ *storage.MemoryStorage }

func (unsavedAccess) SaveAccess(context.Context, *storage.AccessRecord) error {
	return errors.New("write concern failed")
}

func TestSignAccessWriteFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	gate := &fakeGate{holders: map[string]bool{}}
	w := newWallet(t)
	gate.set(w.address, true)

	keeper := holder.NewNonceKeeper(store, time.Minute, sl.Discard())
	svc := NewService(keeper, unsavedAccess{store}, wallet.NewVerifier(sl.Discard()), gate, mint, sl.Discard())

	nonce, err := svc.Connect(ctx, 13, w.address)
	require.NoError(t, err)

	_, err = svc.Sign(ctx, 13, w.sign(t, nonce))
	require.Error(t, err)
	for _, sentinel := range []error{ErrNoNonce, ErrInvalidSignature, ErrInsufficientBalance} {
		assert.NotErrorIs(t, err, sentinel)
	}
	assert.False(t, svc.Authorize(ctx, 13))
	assert.Equal(t, Unconnected, svc.State(ctx, 13), "the spent nonce is not handed out again")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "verified", Verified.String())
	assert.Equal(t, "nonce_issued", NonceIssued.String())
	assert.Equal(t, "state(9)", State(9).String())
}
