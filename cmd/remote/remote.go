// Package remote provides the RPC wrapper around the core DB.
package remote

import (
	"errors"
	"net"
	"net/rpc"

	"go.uber.org/zap"

	"github.com/epokhe/caskdb/core"
)

type DBRemote struct {
	db  *core.DB
	log *zap.SugaredLogger
}

type PutArgs struct {
	Key string
	Val string
}

type GetArgs struct {
	Key string
}

type DeleteArgs struct {
	Key string
}

// Get returns the stored value, or the empty string when the key is
// absent or tombstoned.
func (remote *DBRemote) Get(args *GetArgs, reply *string) error {
	val, err := remote.db.Get(args.Key)
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			*reply = ""
			return nil
		}
		return err
	}
	*reply = val
	return nil
}

func (remote *DBRemote) Put(args *PutArgs, _ *struct{}) error {
	return remote.db.Set(args.Key, args.Val)
}

// Delete reports whether the key existed.
func (remote *DBRemote) Delete(args *DeleteArgs, reply *bool) error {
	ok, err := remote.db.Delete(args.Key)
	if err != nil {
		return err
	}
	*reply = ok
	return nil
}

// StartRPC registers the DB on a fresh rpc server and serves it on
// addr in the background. It returns the bound address and a cleanup
// callback that stops the listener and closes the DB.
func StartRPC(db *core.DB, addr string, log *zap.SugaredLogger) (string, func(), error) {
	remote := &DBRemote{db: db, log: log}

	server := rpc.NewServer()
	if err := server.RegisterName("DB", remote); err != nil {
		_ = db.Close()
		return "", nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = db.Close()
		return "", nil, err
	}

	go server.Accept(listener)

	cleanup := func() {
		_ = listener.Close() // stop accepting new conns

		if err := db.Close(); err != nil {
			log.Errorw("db close", "error", err)
		}
	}
	return listener.Addr().String(), cleanup, nil
}
