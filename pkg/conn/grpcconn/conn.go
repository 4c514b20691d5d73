// Package grpcconn implements conn.Conn over a gRPC channel to a single
// database member, using the JSON codec so the command surface needs no
// protobuf codegen. The gRPC channel reconnects internally, which gives the
// handle the expected recover-on-next-use behavior.
package grpcconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"gopkg.in/mgo.v2/bson"

	"github.com/amirimatin/go-replset/pkg/conn"
)

const defaultTimeout = 30 * time.Second

// Dialer returns a conn.Dialer producing gRPC-backed connections. tlsCfg may
// be nil for plaintext.
func Dialer(tlsCfg *tls.Config) conn.Dialer {
	return func(timeout time.Duration) conn.Conn {
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		return &grpcConn{timeout: timeout, tlsCfg: tlsCfg}
	}
}

type grpcConn struct {
	timeout time.Duration
	tlsCfg  *tls.Config

	cc     *grpc.ClientConn
	addr   conn.Addr
	failed bool
	closed bool

	pending chan sayResult
}

type sayResult struct {
	reply *conn.Reply
	err   error
}

func (g *grpcConn) Connect(addr conn.Addr) error {
	if g.closed {
		return conn.ErrClosed
	}
	if g.cc != nil {
		_ = g.cc.Close()
		g.cc = nil
	}
	g.addr = addr

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if g.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(g.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	cc, err := grpc.DialContext(ctx, addr.String(), opts...)
	if err != nil {
		g.failed = true
		return fmt.Errorf("grpcconn: connect %s: %w", addr, err)
	}
	g.cc = cc
	g.failed = false
	return nil
}

func (g *grpcConn) invoke(method string, req, resp interface{}) error {
	if g.closed {
		return conn.ErrClosed
	}
	if g.cc == nil {
		return conn.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.cc.Invoke(ctx, method, req, resp); err != nil {
		g.failed = true
		return err
	}
	g.failed = false
	return nil
}

func (g *grpcConn) IsMaster() (bool, bson.M, error) {
	var resp isMasterResponse
	if err := g.invoke("/replset.v1.Peer/IsMaster", &emptyRequest{}, &resp); err != nil {
		return false, nil, err
	}
	isMaster, _ := resp.Doc["ismaster"].(bool)
	return isMaster, resp.Doc, nil
}

func (g *grpcConn) RunCommand(db string, cmd bson.D, reply *bson.M) error {
	var resp commandResponse
	if err := g.invoke("/replset.v1.Peer/RunCommand", &commandRequest{DB: db, Cmd: cmd.Map()}, &resp); err != nil {
		return err
	}
	if reply != nil {
		*reply = resp.Reply
	}
	return nil
}

func (g *grpcConn) Auth(db, user, password string, digest bool) error {
	return g.invoke("/replset.v1.Peer/Auth",
		&authRequest{DB: db, User: user, Password: password, Digest: digest}, &writeResponse{})
}

func (g *grpcConn) Insert(ns string, docs []bson.M, flags int) error {
	return g.invoke("/replset.v1.Peer/Insert",
		&writeRequest{NS: ns, Docs: docs, Flags: flags}, &writeResponse{})
}

func (g *grpcConn) Update(ns string, selector, update bson.M, upsert, multi bool) error {
	return g.invoke("/replset.v1.Peer/Update",
		&writeRequest{NS: ns, Selector: selector, Update: update, Upsert: upsert, Multi: multi}, &writeResponse{})
}

func (g *grpcConn) Remove(ns string, selector bson.M, justOne bool) error {
	return g.invoke("/replset.v1.Peer/Remove",
		&writeRequest{NS: ns, Selector: selector, JustOne: justOne}, &writeResponse{})
}

func (g *grpcConn) Query(ns string, q conn.Query) (*conn.Reply, error) {
	var resp queryResponse
	req := &queryRequest{
		NS: ns, Filter: q.Filter, Fields: q.Fields,
		NToReturn: q.NToReturn, NToSkip: q.NToSkip,
		Flags: int(q.Flags), BatchSize: q.BatchSize,
	}
	if err := g.invoke("/replset.v1.Peer/Query", req, &resp); err != nil {
		return nil, err
	}
	return &conn.Reply{Docs: resp.Docs, NReturned: resp.NReturned, CursorID: resp.CursorID}, nil
}

func (g *grpcConn) FindOne(ns string, q conn.Query) (bson.M, error) {
	q.NToReturn = 1
	reply, err := g.Query(ns, q)
	if err != nil {
		return nil, err
	}
	if doc, ok := reply.PeekError(); ok {
		return nil, fmt.Errorf("grpcconn: %v", doc["$err"])
	}
	if len(reply.Docs) == 0 {
		return nil, nil
	}
	return reply.Docs[0], nil
}

// Say starts the round trip without waiting; the reply is parked for Recv.
// The channel is buffered so the sender never blocks if Recv is skipped.
func (g *grpcConn) Say(msg *conn.Message) error {
	if g.closed {
		return conn.ErrClosed
	}
	if g.cc == nil {
		return conn.ErrNotConnected
	}
	ch := make(chan sayResult, 1)
	g.pending = ch
	go func() {
		reply, err := g.roundTrip(msg)
		ch <- sayResult{reply: reply, err: err}
	}()
	return nil
}

func (g *grpcConn) Recv() (*conn.Reply, error) {
	if g.pending == nil {
		return nil, conn.ErrNoPending
	}
	res := <-g.pending
	g.pending = nil
	if res.err != nil {
		g.failed = true
	}
	return res.reply, res.err
}

func (g *grpcConn) Call(msg *conn.Message) (*conn.Reply, error) {
	reply, err := g.roundTrip(msg)
	if err != nil {
		g.failed = true
	}
	return reply, err
}

func (g *grpcConn) roundTrip(msg *conn.Message) (*conn.Reply, error) {
	switch msg.Op {
	case conn.OpQuery:
		return g.Query(msg.NS, conn.Query{
			Filter: msg.Query, Fields: msg.Fields,
			NToReturn: msg.NToReturn, NToSkip: msg.NToSkip,
			Flags: msg.Flags,
		})
	case conn.OpInsert:
		return nil, g.Insert(msg.NS, msg.Docs, int(msg.Flags))
	default:
		return nil, fmt.Errorf("grpcconn: unsupported op %d", msg.Op)
	}
}

func (g *grpcConn) CheckResponse(data bson.M, nReturned int) {}

func (g *grpcConn) IsFailed() bool { return g.failed }

func (g *grpcConn) Addr() conn.Addr { return g.addr }

func (g *grpcConn) Close() error {
	g.closed = true
	if g.cc != nil {
		err := g.cc.Close()
		g.cc = nil
		return err
	}
	return nil
}

var _ conn.Conn = (*grpcConn)(nil)
