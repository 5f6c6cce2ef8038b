// Package zk defines the ZooKeeper client protocol vocabulary that flows
// through the proxy: opcodes, error codes, reserved xids, connect messages,
// and the closed sets of request and response payloads.
//
// Requests and responses are modelled as sealed interfaces. Every concrete
// payload is a pointer to a struct defined in this package, so consumers can
// switch exhaustively over them. Payloads are treated as immutable once they
// have been handed to another component; transforms return new values.
package zk
