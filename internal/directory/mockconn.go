package directory

import (
	"context"
	"errors"

	"github.com/go-ldap/ldap/v3"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

var errMockClosed = errors.New("mock connection is closed")

func (c *mockConn) Server() string { return c.server }

func (c *mockConn) Strategy() config.Strategy { return config.StrategyMockSync }

func (c *mockConn) Closed() bool { return !c.open }

func (c *mockConn) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Server: c.server, Op: "open", Cause: err}
	}
	if !c.open {
		c.open = true
		c.usage.OpenSockets++
	}
	return nil
}

func (c *mockConn) Bind(ctx context.Context) (bool, error) {
	if err := c.Open(ctx); err != nil {
		return false, err
	}
	c.usage.BindOperations++
	c.reset()
	user := c.opts.User
	if c.opts.EffectiveAuthentication() == config.AuthAnonymous {
		user = ""
	}
	c.last = c.dir.bind(user, c.opts.Password)
	c.bound = c.last.Success()
	if c.bound {
		c.who = user
	}
	return c.bound, nil
}

func (c *mockConn) reset() {
	c.last = Result{}
	c.entries = nil
}

// ready checks the connection can carry an operation. Writes additionally
// need an authenticated bind; anonymous connections are read only.
func (c *mockConn) ready(op string, write bool) (Result, error) {
	if !c.open {
		return Result{}, &ConnectionError{Server: c.server, Op: op, Cause: errMockClosed}
	}
	if write && (!c.bound || c.who == "") {
		return newResult(ldap.LDAPResultInsufficientAccessRights, "operation requires an authenticated bind"), nil
	}
	return successResult(), nil
}

func (c *mockConn) finish(r Result, entries []RawEntry) Reply {
	c.last = r
	c.entries = entries
	return replyFor(c.Strategy(), r, entries)
}

func (c *mockConn) Add(ctx context.Context, dn string, objectClasses []string, opts ...AddOption) (Reply, error) {
	c.reset()
	r, err := c.ready("add", true)
	if err != nil {
		return nil, err
	}
	c.usage.AddOperations++
	if r.Success() {
		o := collectAddOptions(opts)
		r = c.dir.add(dn, objectClasses, o.attributes, c.who)
	}
	return c.finish(r, nil), nil
}

func (c *mockConn) Modify(ctx context.Context, dn string, changes []Change, controls []Control) (Reply, error) {
	c.reset()
	r, err := c.ready("modify", true)
	if err != nil {
		return nil, err
	}
	c.usage.ModifyOperations++
	if r.Success() {
		r = c.dir.modify(dn, changes, c.who)
	}
	return c.finish(r, nil), nil
}

func (c *mockConn) Search(ctx context.Context, req SearchRequest) (Reply, error) {
	c.reset()
	if _, err := c.ready("search", false); err != nil {
		return nil, err
	}
	c.usage.SearchOperations++
	r, entries := c.dir.search(req)
	return c.finish(r, entries), nil
}

func (c *mockConn) Delete(ctx context.Context, dn string, controls []Control) (Reply, error) {
	c.reset()
	r, err := c.ready("delete", true)
	if err != nil {
		return nil, err
	}
	c.usage.DeleteOperations++
	if r.Success() {
		r = c.dir.delete(dn)
	}
	return c.finish(r, nil), nil
}

func (c *mockConn) Unbind() error {
	if !c.open {
		return nil
	}
	c.usage.UnbindOperations++
	c.usage.ClosedSockets++
	c.open = false
	c.bound = false
	return nil
}

func (c *mockConn) Result() Result { return c.last }

func (c *mockConn) Entries() []RawEntry { return c.entries }

func (c *mockConn) Usage() Usage { return c.usage }

// Connect returns a new connection to the mock. With auto bind enabled the
// connection is opened and bound right away, and a failed bind is an
// error.
func (d *MockDirectory) Connect(ctx context.Context, server string, opts config.ConnectionOptions) (Conn, error) {
	c := newMockConn(d, server, opts)
	if !opts.AutoBind.Enabled() {
		return c, nil
	}
	ok, err := c.Bind(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConnectionError{Server: server, Op: "bind", Cause: errors.New(c.last.Description + " " + c.last.Message)}
	}
	return c, nil
}
