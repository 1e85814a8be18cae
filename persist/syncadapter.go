package persist

import (
	"context"
	"runtime"
)

// opKind discriminates the blocking KV operations SyncAdapter serializes
// onto its worker pool.
type opKind int

const (
	opWrite opKind = iota
	opRead
	opRemove
	opList
	opExists
)

type request struct {
	kind   opKind
	key    string
	value  []byte
	prefix string
	result chan<- response
}

type response struct {
	value []byte
	keys  []string
	exist bool
	err   error
}

// SyncAdapter exposes the async Store as a blocking KV for the
// channel-manager runtime. It serializes blocking calls onto a dedicated
// worker pool and never blocks the caller's own goroutine beyond the
// request's own completion, per spec §4.9/§5 ("a dedicated thread pool for
// the persistence adapter's blocking calls").
type SyncAdapter struct {
	store   Store
	reqs    chan request
	workers int

	quit chan struct{}
	done chan struct{}
}

// NewSyncAdapter starts a SyncAdapter with runtime.GOMAXPROCS(0) workers
// fronting store. Callers must call Shutdown to release the workers.
func NewSyncAdapter(store Store) *SyncAdapter {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}

	a := &SyncAdapter{
		store:   store,
		reqs:    make(chan request),
		workers: workers,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go a.run()
	return a
}

func (a *SyncAdapter) run() {
	defer close(a.done)

	var active int
	doneCh := make(chan struct{})
	for i := 0; i < a.workers; i++ {
		active++
		go a.worker(doneCh)
	}

	<-a.quit
	for ; active > 0; active-- {
		<-doneCh
	}
}

func (a *SyncAdapter) worker(doneCh chan<- struct{}) {
	defer func() { doneCh <- struct{}{} }()

	ctx := context.Background()
	for {
		select {
		case <-a.quit:
			return
		case req := <-a.reqs:
			req.result <- a.handle(ctx, req)
		}
	}
}

func (a *SyncAdapter) handle(ctx context.Context, req request) response {
	switch req.kind {
	case opWrite:
		return response{err: a.store.Write(ctx, req.key, req.value)}
	case opRead:
		v, err := a.store.Read(ctx, req.key)
		return response{value: v, err: err}
	case opRemove:
		return response{err: a.store.Remove(ctx, req.key)}
	case opList:
		keys, err := a.store.List(ctx, req.prefix)
		return response{keys: keys, err: err}
	case opExists:
		ok, err := a.store.Exists(ctx, req.key)
		return response{exist: ok, err: err}
	default:
		return response{}
	}
}

func (a *SyncAdapter) submit(req request) response {
	result := make(chan response, 1)
	req.result = result
	select {
	case a.reqs <- req:
	case <-a.quit:
		return response{err: ErrStoreClosed}
	}
	return <-result
}

// Write blocks until the value has been durably handed to the underlying
// Store's Write.
func (a *SyncAdapter) Write(key string, value []byte) error {
	return a.submit(request{kind: opWrite, key: key, value: value}).err
}

// Read blocks for the underlying Store's Read.
func (a *SyncAdapter) Read(key string) ([]byte, error) {
	resp := a.submit(request{kind: opRead, key: key})
	return resp.value, resp.err
}

// Remove blocks for the underlying Store's Remove.
func (a *SyncAdapter) Remove(key string) error {
	return a.submit(request{kind: opRemove, key: key}).err
}

// List blocks for the underlying Store's List.
func (a *SyncAdapter) List(prefix string) ([]string, error) {
	resp := a.submit(request{kind: opList, prefix: prefix})
	return resp.keys, resp.err
}

// Exists blocks for the underlying Store's Exists.
func (a *SyncAdapter) Exists(key string) (bool, error) {
	resp := a.submit(request{kind: opExists, key: key})
	return resp.exist, resp.err
}

// Shutdown stops the worker pool and shuts down the underlying Store.
func (a *SyncAdapter) Shutdown() error {
	close(a.quit)
	<-a.done
	return a.store.Shutdown(context.Background())
}
