package persist

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

var ErrMainnetRequiresEncryption = fmt.Errorf(
	"persist: RemoteStore on bitcoin mainnet requires an encryption key")

// hkdfInfo is the HKDF context string client-side encryption keys are
// derived under, per Open Question (b)'s resolution.
const hkdfInfo = "lampo VSS encryption"

// RemoteStore is the Versioned Storage Service PersistenceStore backend:
// HTTP PUT/GET/DELETE against a remote endpoint, bearer-token
// authenticated, with an in-memory read-through cache. Encryption is
// enabled whenever seed is non-nil; it is mandatory (construction fails
// otherwise) when network == "bitcoin".
type RemoteStore struct {
	baseURL string
	token   string
	network string
	http    *http.Client

	cache sync.Map // string -> []byte

	aead cipher.AEAD
}

// RemoteStoreConfig bundles RemoteStore's construction parameters.
type RemoteStoreConfig struct {
	BaseURL string
	Token   string
	Network string
	// Seed, if non-nil, derives a client-side AES-256-GCM key via
	// HKDF(seed, hkdfInfo). Required non-nil when Network == "bitcoin".
	Seed []byte
}

// NewRemoteStore constructs a RemoteStore. It returns
// ErrMainnetRequiresEncryption if cfg.Network is "bitcoin" and cfg.Seed is
// nil.
func NewRemoteStore(cfg RemoteStoreConfig) (*RemoteStore, error) {
	if cfg.Network == "bitcoin" && cfg.Seed == nil {
		return nil, ErrMainnetRequiresEncryption
	}

	s := &RemoteStore{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		network: cfg.Network,
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.Seed != nil {
		key := make([]byte, 32)
		kdf := hkdf.New(sha256New, cfg.Seed, nil, []byte(hkdfInfo))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		s.aead = aead
	}

	return s, nil
}

func (s *RemoteStore) Initialize(ctx context.Context) error {
	return nil
}

func (s *RemoteStore) encrypt(plaintext []byte) ([]byte, error) {
	if s.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *RemoteStore) decrypt(ciphertext []byte) ([]byte, error) {
	if s.aead == nil {
		return ciphertext, nil
	}
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("persist: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return s.aead.Open(nil, nonce, sealed, nil)
}

func (s *RemoteStore) endpoint(key string) string {
	return s.baseURL + "/" + url.PathEscape(key)
}

func (s *RemoteStore) newRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	return req, nil
}

func (s *RemoteStore) Write(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	enc, err := s.encrypt(value)
	if err != nil {
		return err
	}

	req, err := s.newRequest(ctx, http.MethodPut, s.endpoint(key), enc)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("persist: VSS PUT %s returned %d", key, resp.StatusCode)
	}

	s.cache.Store(key, value)
	return nil
}

func (s *RemoteStore) Read(ctx context.Context, key string) ([]byte, error) {
	if cached, ok := s.cache.Load(key); ok {
		return cached.([]byte), nil
	}

	req, err := s.newRequest(ctx, http.MethodGet, s.endpoint(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("persist: VSS GET %s returned %d", key, resp.StatusCode)
	}

	enc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	plain, err := s.decrypt(enc)
	if err != nil {
		return nil, err
	}

	s.cache.Store(key, plain)
	return plain, nil
}

func (s *RemoteStore) Remove(ctx context.Context, key string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, s.endpoint(key), nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("persist: VSS DELETE %s returned %d", key, resp.StatusCode)
	}
	s.cache.Delete(key)
	return nil
}

func (s *RemoteStore) List(ctx context.Context, prefix string) ([]string, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.baseURL+"?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("persist: VSS LIST %s returned %d", prefix, resp.StatusCode)
	}

	var keys []string
	if err := jsonDecode(resp.Body, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RemoteStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := s.cache.Load(key); ok {
		return true, nil
	}
	req, err := s.newRequest(ctx, http.MethodGet, s.endpoint(key), nil)
	if err != nil {
		return false, err
	}
	req.Method = http.MethodHead
	resp, err := s.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2, nil
}

func (s *RemoteStore) Sync(ctx context.Context) error {
	return nil
}

func (s *RemoteStore) Shutdown(ctx context.Context) error {
	return nil
}
