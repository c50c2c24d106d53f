// Package store implements linearizable key-value persistence: five
// namespaces (appRepo, groupRepo, deploymentRepo, taskRepo,
// frameworkId) over a shared Zookeeper connection, each a thin
// per-namespace repository built on the same Connect/EnsurePath/
// DeleteTree znode-path-walking logic.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	zk "github.com/samuel/go-zookeeper/zk"

	"github.com/more-free/marathon-core/internal/coreerr"
)

// Client is a thin, namespace-agnostic wrapper over a zk.Conn: it
// knows how to walk and create/delete znode paths. The opTimeout
// given to Connect is stored, but no call is bounded by it.
type Client struct {
	conn    *zk.Conn
	acl     []zk.ACL
	timeout time.Duration
}

func Connect(servers []string, sessionTimeout, opTimeout time.Duration) (*Client, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, coreerr.Unavailable("connecting to zookeeper", err)
	}
	return &Client{conn: conn, acl: zk.WorldACL(zk.PermAll), timeout: opTimeout}, nil
}

func (c *Client) Close() {
	c.conn.Close()
}

// EnsurePath creates every missing ancestor of path as a persistent
// znode.
func (c *Client) EnsurePath(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("store: path %q must be absolute", path)
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur += "/" + seg
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return coreerr.Timeout("zk exists "+cur, err)
		}
		if !exists {
			_, err := c.conn.Create(cur, nil, 0, c.acl)
			if err != nil && err != zk.ErrNodeExists {
				return coreerr.Timeout("zk create "+cur, err)
			}
		}
	}
	return nil
}

func (c *Client) SetJSON(ctx context.Context, path string, data []byte) error {
	if err := c.EnsurePath(ctx, path); err != nil {
		return err
	}
	_, err := c.conn.Set(path, data, -1)
	if err != nil {
		return coreerr.Timeout("zk set "+path, err)
	}
	return nil
}

func (c *Client) GetJSON(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := c.conn.Get(path)
	if err == zk.ErrNoNode {
		return nil, coreerr.Wrap(coreerr.Unknown, "no node at "+path, err)
	}
	if err != nil {
		return nil, coreerr.Timeout("zk get "+path, err)
	}
	return data, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := c.conn.Children(path)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Timeout("zk children "+path, err)
	}
	return children, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.conn.Delete(path, -1)
	if err != nil && err != zk.ErrNoNode {
		return coreerr.Timeout("zk delete "+path, err)
	}
	return nil
}

// sanitize turns an absolute app/group/task id ("/a/b") into a single
// znode-safe segment, since zk paths treat every "/" as a level.
func sanitize(id string) string {
	return strings.ReplaceAll(strings.TrimPrefix(id, "/"), "/", "__")
}

func unsanitize(segment string) string {
	return "/" + strings.ReplaceAll(segment, "__", "/")
}

// DeleteTree removes path and every descendant, deepest first.
func (c *Client) DeleteTree(ctx context.Context, path string) error {
	children, err := c.Children(ctx, path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.DeleteTree(ctx, path+"/"+child); err != nil {
			return err
		}
	}
	return c.Delete(ctx, path)
}
