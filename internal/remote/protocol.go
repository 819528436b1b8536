// Package remote speaks the record protocol of remote datastores.
//
// A request is a JSON object naming the database and object store plus
// exactly one operation field:
//
//	{"db": "ccm", "store": "notes", "key": "n1"}            read a record
//	{"db": "ccm", "store": "notes", "key": {"year": 2020}}  query records
//	{"db": "ccm", "store": "notes", "dataset": {...}}       write a record
//	{"db": "ccm", "store": "notes", "del": "n1"}            delete a record
//
// Requests may carry "user" and "token" credentials. The response is the
// record, the list of records, the deleted record, or a string describing
// an error.
//
// Two transports carry the protocol: HTTP request/response exchanges and a
// WebSocket channel that also delivers pushed changes.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/ccmrt/internal/ir"
)

// ErrRemote wraps an error reported by the remote side.
var ErrRemote = errors.New("remote error")

// Op is the operation of a request.
type Op string

const (
	OpGet Op = "key"
	OpSet Op = "dataset"
	OpDel Op = "del"
)

// Request is one protocol request.
type Request struct {
	DB    string
	Store string
	Op    Op
	// Arg is the key or query for OpGet, the record for OpSet and the key
	// for OpDel. A nil OpGet argument reads every record.
	Arg   ir.IRValue
	User  string
	Token string
}

// Payload encodes the request as its wire object.
func (r Request) Payload() ir.IRObject {
	p := ir.IRObject{}
	if r.DB != "" {
		p["db"] = ir.IRString(r.DB)
	}
	if r.Store != "" {
		p["store"] = ir.IRString(r.Store)
	}
	arg := r.Arg
	if arg == nil {
		arg = ir.IRNull{}
	}
	p[string(r.Op)] = arg
	if r.User != "" {
		p["user"] = ir.IRString(r.User)
	}
	if r.Token != "" {
		p["token"] = ir.IRString(r.Token)
	}
	return p
}

// ParseRequest decodes a wire object.
func ParseRequest(p ir.IRObject) (Request, error) {
	req := Request{
		DB:    p.String("db"),
		Store: p.String("store"),
		User:  p.String("user"),
		Token: p.String("token"),
	}
	found := 0
	for _, op := range []Op{OpGet, OpSet, OpDel} {
		if v, ok := p[string(op)]; ok {
			found++
			req.Op = op
			if _, null := v.(ir.IRNull); !null {
				req.Arg = v
			}
		}
	}
	switch {
	case found == 0:
		return Request{}, fmt.Errorf("request names no operation")
	case found > 1:
		return Request{}, fmt.Errorf("request names %d operations", found)
	case req.Store == "":
		return Request{}, fmt.Errorf("request names no store")
	}
	if req.Op == OpSet {
		if _, ok := req.Arg.(ir.IRObject); !ok {
			return Request{}, fmt.Errorf("dataset must be an object, got %T", req.Arg)
		}
	}
	return req, nil
}

// Transport sends requests to a remote datastore.
type Transport interface {
	Do(ctx context.Context, req Request) (ir.IRValue, error)
	Close() error
}

// checkResponse turns an error string into ErrRemote.
func checkResponse(v ir.IRValue) (ir.IRValue, error) {
	if s, ok := v.(ir.IRString); ok {
		return nil, fmt.Errorf("%w: %s", ErrRemote, string(s))
	}
	if _, ok := v.(ir.IRNull); ok {
		return nil, nil
	}
	return v, nil
}
