package dist

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	utl "github.com/Ian2x/cs426-ddp/util"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdLeaseTTL is the lease granted to each rank, in seconds.
var etcdLeaseTTL int64 = 10

// etcdRendezvous keeps the group's state in etcd:
//
//	<prefix>/<run_id>/peers/<rank>            = data plane address
//	<prefix>/<run_id>/barriers/<name>/<rank>  = ""
//
// Every key is bound to the rank's lease. The lease is kept alive from the
// moment it is granted until Close, so a rank waiting on slow peers in Join
// does not lose its registration.
type etcdRendezvous struct {
	client    *clientv3.Client
	prefix    string
	runID     string
	worldSize int
	lease     clientv3.LeaseID

	stopKeepAlive context.CancelFunc
	keepAliveDone chan struct{}
}

func dialEtcd(endpoints []string, prefix string) (*etcdRendezvous, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return &etcdRendezvous{client: client, prefix: prefix}, nil
}

func (r *etcdRendezvous) peersKey() string {
	return path.Join(r.prefix, r.runID, "peers") + "/"
}

func (r *etcdRendezvous) barrierKey(name string) string {
	return path.Join(r.prefix, r.runID, "barriers", name) + "/"
}

func (r *etcdRendezvous) Join(ctx context.Context, rank, worldSize int, addr, runID string) ([]string, error) {
	if runID == "" {
		runID = "default"
	}
	r.runID = runID
	r.worldSize = worldSize

	lease, err := r.client.Grant(ctx, etcdLeaseTTL)
	if err != nil {
		return nil, errors.Wrap(err, "granting etcd lease")
	}
	r.lease = lease.ID
	if err := r.keepAlive(); err != nil {
		return nil, err
	}

	key := r.peersKey() + strconv.Itoa(rank)
	txn, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, addr, clientv3.WithLease(r.lease))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return nil, errors.Wrapf(err, "registering %s", key)
	}
	if !txn.Succeeded {
		kvs := txn.Responses[0].GetResponseRange().Kvs
		if len(kvs) > 0 && string(kvs[0].Value) != addr {
			return nil, utl.RankErrorf(uint32(rank), "already joined from %s", kvs[0].Value)
		}
	}

	kvs, err := r.waitForKeys(ctx, r.peersKey(), worldSize)
	if err != nil {
		return nil, errors.Wrap(err, "waiting for peers")
	}
	addrs := make([]string, worldSize)
	for k, v := range kvs {
		peer, err := strconv.Atoi(path.Base(k))
		if err != nil || peer < 0 || peer >= worldSize {
			return nil, errors.Errorf("unexpected peer key %s", k)
		}
		addrs[peer] = v
	}
	return addrs, nil
}

// waitForKeys returns once n distinct keys have been written under prefix.
// Keys deleted after they were seen still count, so a rank that has already
// left does not hold the others back.
func (r *etcdRendezvous) waitForKeys(ctx context.Context, prefix string, n int) (map[string]string, error) {
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string, n)
	for _, kv := range resp.Kvs {
		seen[string(kv.Key)] = string(kv.Value)
	}
	if len(seen) >= n {
		return seen, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch := r.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range watch {
		if err := wresp.Err(); err != nil {
			return nil, err
		}
		for _, ev := range wresp.Events {
			if ev.Type == clientv3.EventTypePut {
				seen[string(ev.Kv.Key)] = string(ev.Kv.Value)
			}
		}
		if len(seen) >= n {
			return seen, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("etcd watch closed")
}

func (r *etcdRendezvous) Barrier(ctx context.Context, rank int, name string) error {
	prefix := r.barrierKey(name)
	if _, err := r.client.Put(ctx, prefix+strconv.Itoa(rank), "", clientv3.WithLease(r.lease)); err != nil {
		return errors.Wrapf(err, "barrier %s", name)
	}
	_, err := r.waitForKeys(ctx, prefix, r.worldSize)
	return errors.Wrapf(err, "barrier %s", name)
}

// keepAlive refreshes the lease in the background until Close. The
// goroutine is detached from the Join context, which may be shorter lived.
func (r *etcdRendezvous) keepAlive() error {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(ctx, r.lease)
	if err != nil {
		cancel()
		return errors.Wrap(err, "keeping etcd lease alive")
	}
	r.stopKeepAlive = cancel
	r.keepAliveDone = make(chan struct{})
	go func() {
		defer close(r.keepAliveDone)
		for range ch {
		}
	}()
	return nil
}

func (r *etcdRendezvous) Heartbeat(ctx context.Context, rank int) error {
	_, err := r.client.KeepAliveOnce(ctx, r.lease)
	return errors.Wrap(err, "refreshing etcd lease")
}

func (r *etcdRendezvous) Leave(ctx context.Context, rank int) error {
	key := path.Join(r.prefix, r.runID, "left", strconv.Itoa(rank))
	_, err := r.client.Put(ctx, key, fmt.Sprintf("%d", time.Now().Unix()))
	return errors.Wrap(err, "leave")
}

func (r *etcdRendezvous) Close() error {
	if r.stopKeepAlive != nil {
		r.stopKeepAlive()
		<-r.keepAliveDone
	}
	return r.client.Close()
}
