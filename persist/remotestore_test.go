package persist

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeVSS is an in-memory VSS server good enough to exercise RemoteStore's
// HTTP PUT/GET/DELETE and bearer-auth handling.
type fakeVSS struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeVSS() *fakeVSS {
	return &fakeVSS{data: make(map[string][]byte)}
}

func (f *fakeVSS) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.data[key] = body
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet, http.MethodHead:
			f.mu.Lock()
			body, ok := f.data[key]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Write(body)
		case http.MethodDelete:
			f.mu.Lock()
			delete(f.data, key)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}
	}
}

func TestRemoteStoreUnencryptedRoundTrip(t *testing.T) {
	fake := newFakeVSS()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	store, err := NewRemoteStore(RemoteStoreConfig{
		BaseURL: srv.URL,
		Token:   "test-token",
		Network: "regtest",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "monitors/x_0", []byte("payload")))

	got, err := store.Read(ctx, "monitors/x_0")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestRemoteStoreEncryptedRoundTripHidesPlaintextOnWire(t *testing.T) {
	fake := newFakeVSS()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	store, err := NewRemoteStore(RemoteStoreConfig{
		BaseURL: srv.URL,
		Token:   "test-token",
		Network: "testnet",
		Seed:    seed,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "monitors/y_0", []byte("secret-payload")))

	fake.mu.Lock()
	onWire := fake.data["/monitors/y_0"]
	fake.mu.Unlock()
	require.NotContains(t, string(onWire), "secret-payload")

	got, err := store.Read(ctx, "monitors/y_0")
	require.NoError(t, err)
	require.Equal(t, []byte("secret-payload"), got)
}

func TestNewRemoteStoreRefusesUnencryptedMainnet(t *testing.T) {
	_, err := NewRemoteStore(RemoteStoreConfig{
		BaseURL: "https://vss.example.com",
		Token:   "t",
		Network: "bitcoin",
	})
	require.ErrorIs(t, err, ErrMainnetRequiresEncryption)
}

func TestRemoteStoreReadMissingKeyReturnsErrNotFound(t *testing.T) {
	fake := newFakeVSS()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	store, err := NewRemoteStore(RemoteStoreConfig{
		BaseURL: srv.URL,
		Token:   "test-token",
		Network: "regtest",
	})
	require.NoError(t, err)

	_, err = store.Read(context.Background(), "monitors/missing")
	require.ErrorIs(t, err, ErrNotFound)
}
