package persist

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is a second remote-style PersistenceStore backend over
// go.etcd.io/etcd/client/v3, satisfying the same interface as RemoteStore
// -- selectable by backend="etcd" in the config shell, wired to exercise
// the teacher's etcd dependency.
type EtcdStore struct {
	client    *clientv3.Client
	keyPrefix string
}

// EtcdStoreConfig bundles EtcdStore's construction parameters.
type EtcdStoreConfig struct {
	Endpoints []string
	Username  string
	Password  string
	KeyPrefix string
	DialTimeout time.Duration
}

// NewEtcdStore dials the given etcd cluster.
func NewEtcdStore(cfg EtcdStoreConfig) (*EtcdStore, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "/lampo/"
	}

	return &EtcdStore{client: cli, keyPrefix: prefix}, nil
}

func (s *EtcdStore) fullKey(key string) string {
	return s.keyPrefix + key
}

func (s *EtcdStore) Initialize(ctx context.Context) error {
	return nil
}

func (s *EtcdStore) Write(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := s.client.Put(ctx, s.fullKey(key), string(value))
	return err
}

func (s *EtcdStore) Read(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, s.fullKey(key))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *EtcdStore) Remove(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, s.fullKey(key))
	return err
}

func (s *EtcdStore) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := s.client.Get(ctx, s.fullKey(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), s.keyPrefix))
	}
	return keys, nil
}

func (s *EtcdStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.Get(ctx, s.fullKey(key), clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

func (s *EtcdStore) Sync(ctx context.Context) error {
	return nil
}

func (s *EtcdStore) Shutdown(ctx context.Context) error {
	return s.client.Close()
}
