// Package discovery registers this node with etcd and watches the
// cluster's peer set, under a single shared key prefix.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const nodePrefix = "/shardmesh/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode puts id -> addr under a lease with the given ttl (seconds)
// and keeps it alive in the background until the returned cancel func is
// called. Callers must call cancel (and typically Revoke the lease) on
// shutdown; forgetting to cancel leaks the keepalive goroutine.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, func(), error) {
	lease, err := cli.Grant(context.Background(), ttl)
	if err != nil {
		return 0, nil, err
	}

	key := nodeKey(id)
	if _, err := cli.Put(context.Background(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range keepAlive {
			// Drain responses; etcd's client requires the channel be
			// consumed or KeepAlive stops renewing the lease.
		}
	}()

	return lease.ID, cancel, nil
}

// GetPeers does a one-shot prefix read of every registered node,
// returning a map of node ID to its advertised address.
func GetPeers(cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(context.Background(), nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), nodePrefix)
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers watches the node prefix indefinitely and invokes onChange
// with the full current peer set every time membership changes. It
// performs one synchronous GetPeers first so the caller's first
// snapshot isn't delayed behind the first etcd watch event, then hands
// off to a background watch goroutine that runs until the client's
// context is cancelled or the watch channel closes.
func WatchPeers(cli *clientv3.Client, onChange func(peers map[string]string)) error {
	initial, err := GetPeers(cli)
	if err != nil {
		return err
	}
	onChange(initial)

	watchCh := cli.Watch(context.Background(), nodePrefix, clientv3.WithPrefix())
	go func() {
		for range watchCh {
			peers, err := GetPeers(cli)
			if err != nil {
				continue
			}
			onChange(peers)
		}
	}()
	return nil
}

func nodeKey(id string) string {
	return fmt.Sprintf("%s%s", nodePrefix, id)
}
