package directory

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/go-ldap/ldap/v3"
)

var errNetwork = ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset by peer"))

// fakeClient records calls and replays scripted errors. Methods it does
// not override panic through the nil embedded interface.
type fakeClient struct {
	ldap.Client

	closed   bool
	calls    []string
	bindUser string

	bindErr    error
	startTLS   error
	opErrs     []error
	searchResp *ldap.SearchResult

	lastAdd    *ldap.AddRequest
	lastModify *ldap.ModifyRequest
	lastSearch *ldap.SearchRequest
	lastDel    *ldap.DelRequest
}

func (f *fakeClient) record(call string) { f.calls = append(f.calls, call) }

// nextErr pops the next scripted operation error.
func (f *fakeClient) nextErr() error {
	if len(f.opErrs) == 0 {
		return nil
	}
	err := f.opErrs[0]
	f.opErrs = f.opErrs[1:]
	return err
}

func (f *fakeClient) IsClosing() bool { return f.closed }

func (f *fakeClient) Close() error {
	f.record("close")
	f.closed = true
	return nil
}

func (f *fakeClient) StartTLS(*tls.Config) error {
	f.record("starttls")
	return f.startTLS
}

func (f *fakeClient) Bind(user, password string) error {
	f.record("bind")
	f.bindUser = user
	return f.bindErr
}

func (f *fakeClient) UnauthenticatedBind(user string) error {
	f.record("unauthenticated_bind")
	f.bindUser = user
	return f.bindErr
}

func (f *fakeClient) ExternalBind() error {
	f.record("external_bind")
	return f.bindErr
}

func (f *fakeClient) Add(req *ldap.AddRequest) error {
	f.record("add")
	f.lastAdd = req
	return f.nextErr()
}

func (f *fakeClient) Modify(req *ldap.ModifyRequest) error {
	f.record("modify")
	f.lastModify = req
	return f.nextErr()
}

func (f *fakeClient) Del(req *ldap.DelRequest) error {
	f.record("delete")
	f.lastDel = req
	return f.nextErr()
}

func (f *fakeClient) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.record("search")
	f.lastSearch = req
	if err := f.nextErr(); err != nil {
		return &ldap.SearchResult{}, err
	}
	if f.searchResp == nil {
		return &ldap.SearchResult{}, nil
	}
	return f.searchResp, nil
}

func (f *fakeClient) Unbind() error {
	f.record("unbind")
	f.closed = true
	return nil
}

// fakeDialer hands out the scripted clients in order and fails once they
// run out or for hosts listed in down.
type fakeDialer struct {
	clients []*fakeClient
	down    map[string]bool
	dialed  []string
}

func (d *fakeDialer) dial(_ context.Context, ep Endpoint) (ldap.Client, error) {
	d.dialed = append(d.dialed, ep.Host)
	if d.down[ep.Host] {
		return nil, errors.New("connection refused")
	}
	if len(d.clients) == 0 {
		return nil, errors.New("no more clients")
	}
	c := d.clients[0]
	d.clients = d.clients[1:]
	return c, nil
}
