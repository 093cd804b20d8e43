package directory

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is a Directory shared through an etcd cluster. Records are JSON
// values under the configured prefix.
type Etcd struct {
	client *clientv3.Client
	conf   Config
	log    *logrus.Entry

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops the lease keep-alive
}

var _ Directory = (*Etcd)(nil)

func newEtcd(conf Config, log *logrus.Entry) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd dial")
	}
	return &Etcd{client: client, conf: conf, log: log}, nil
}

func (e *Etcd) key(name string) string { return e.conf.Prefix + name }

// leaseID grants the lease of this directory on first use and keeps it
// alive until Close.
func (e *Etcd) leaseID(ctx context.Context) (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != 0 {
		return e.lease, nil
	}
	grant, err := e.client.Grant(ctx, int64(e.conf.TTL.Seconds()))
	if err != nil {
		return 0, errors.Wrap(err, "etcd lease grant")
	}
	kctx, cancel := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(kctx, grant.ID)
	if err != nil {
		cancel()
		return 0, errors.Wrap(err, "etcd lease keep-alive")
	}
	go func() {
		for range ch {
		}
		e.log.WithField("lease", int64(grant.ID)).Debug("lease keep-alive stopped")
	}()
	e.lease, e.cancel = grant.ID, cancel
	return e.lease, nil
}

func (e *Etcd) Publish(ctx context.Context, r Record) error {
	r, err := complete(r)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	k := e.key(r.Name)
	var opts []clientv3.OpOption
	if e.conf.TTL > 0 {
		id, err := e.leaseID(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(id))
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, string(data), opts...)).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "etcd txn create %q", k)
	}
	if !resp.Succeeded {
		return errors.Wrapf(ErrExists, "%q", r.Name)
	}
	e.log.WithFields(logrus.Fields{"name": r.Name, "endpoint": r.EndPoint}).Debug("published")
	return nil
}

func (e *Etcd) Lookup(ctx context.Context, name string) (Record, error) {
	k := e.key(name)
	resp, err := e.client.Get(ctx, k)
	if err != nil {
		return Record{}, errors.Wrapf(err, "etcd get %q", k)
	}
	if len(resp.Kvs) == 0 {
		return Record{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	var r Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &r); err != nil {
		return Record{}, errors.Wrapf(err, "unmarshal %q", k)
	}
	return r, nil
}

func (e *Etcd) List(ctx context.Context) ([]Record, error) {
	resp, err := e.client.Get(ctx, e.conf.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "etcd list %q", e.conf.Prefix)
	}
	out := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var r Record
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return nil, errors.Wrapf(err, "unmarshal %q", string(kv.Key))
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (e *Etcd) Withdraw(ctx context.Context, name string) error {
	k := e.key(name)
	resp, err := e.client.Delete(ctx, k)
	if err != nil {
		return errors.Wrapf(err, "etcd delete %q", k)
	}
	if resp.Deleted == 0 {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	return nil
}

// Close revokes the lease, withdrawing every record published with it, and
// closes the client.
func (e *Etcd) Close() error {
	e.mu.Lock()
	lease, cancel := e.lease, e.cancel
	e.lease, e.cancel = 0, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		ctx, done := context.WithTimeout(context.Background(), e.conf.DialTimeout)
		if _, err := e.client.Revoke(ctx, lease); err != nil {
			e.log.WithError(err).Warn("revoking lease")
		}
		done()
	}
	return e.client.Close()
}
