package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

// DialFunc opens the transport to one endpoint.
type DialFunc func(ctx context.Context, ep Endpoint) (ldap.Client, error)

// ntlmBinder is implemented by *ldap.Conn.
type ntlmBinder interface {
	NTLMBind(domain, username, password string) error
}

func tlsConfigFor(ep Endpoint) *tls.Config {
	return &tls.Config{
		ServerName:         ep.Hostname(),
		InsecureSkipVerify: ep.Options.InsecureSkipVerify,
	}
}

func dialLDAP(ctx context.Context, ep Endpoint) (ldap.Client, error) {
	u := ep.URL()
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "ldap://") && !strings.HasPrefix(lower, "ldaps://") {
		return nil, errors.New("URL must start with ldap:// or ldaps://")
	}
	timeout := ep.Options.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout == 0 || left < timeout {
			timeout = left
		}
	}
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if strings.HasPrefix(lower, "ldaps://") {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfigFor(ep)))
	}
	conn, err := ldap.DialURL(u, opts...)
	if err != nil {
		return nil, err
	}
	if ep.Options.ReceiveTimeout > 0 {
		conn.SetTimeout(ep.Options.ReceiveTimeout)
	}
	return conn, nil
}

// ldapConn is a connection to a real directory over go-ldap. Depending on
// the strategy, results are returned from each call or left on the
// connection; restartable strategies re-dial after transport failures.
type ldapConn struct {
	server   string
	endpoint Endpoint
	opts     config.ConnectionOptions
	dial     DialFunc
	logger   zerolog.Logger

	client  ldap.Client
	bound   bool
	last    Result
	entries []RawEntry
	usage   Usage
}

func newLDAPConn(server string, ep Endpoint, opts config.ConnectionOptions, dial DialFunc, logger zerolog.Logger) *ldapConn {
	if dial == nil {
		dial = dialLDAP
	}
	return &ldapConn{
		server:   server,
		endpoint: ep,
		opts:     opts,
		dial:     dial,
		logger:   logger,
		usage:    newUsage(),
	}
}

func (c *ldapConn) Server() string { return c.server }

func (c *ldapConn) Strategy() config.Strategy { return c.opts.ClientStrategy }

func (c *ldapConn) Closed() bool {
	return c.client == nil || c.client.IsClosing()
}

func (c *ldapConn) connErr(op string, err error) error {
	return &ConnectionError{Server: c.server, Endpoint: c.endpoint.URL(), Op: op, Cause: err}
}

func (c *ldapConn) Open(ctx context.Context) error {
	if !c.Closed() {
		return nil
	}
	cl, err := c.dial(ctx, c.endpoint)
	if err != nil {
		return c.connErr("open", err)
	}
	c.client = cl
	c.bound = false
	c.usage.OpenSockets++
	if c.opts.AutoBind == config.AutoBindTLSBeforeBind && !c.endpoint.Options.UseSSL {
		if err := c.startTLS(); err != nil {
			return err
		}
	}
	return nil
}

func (c *ldapConn) startTLS() error {
	if err := c.client.StartTLS(tlsConfigFor(c.endpoint)); err != nil {
		c.drop()
		return c.connErr("start_tls", err)
	}
	c.usage.WrappedSockets++
	return nil
}

// drop closes the transport without an unbind request.
func (c *ldapConn) drop() {
	if c.client != nil {
		_ = c.client.Close()
		c.usage.ClosedSockets++
	}
	c.client = nil
	c.bound = false
}

// Bind authenticates the connection. A refused bind is reported through
// Result and a false return; only transport failures are errors.
func (c *ldapConn) Bind(ctx context.Context) (bool, error) {
	if err := c.Open(ctx); err != nil {
		return false, err
	}
	c.usage.BindOperations++
	c.entries = nil
	err := c.authenticate()
	r, ok := classifyError(err)
	if !ok {
		c.drop()
		return false, c.connErr("bind", err)
	}
	c.last = r
	c.bound = r.Success()
	if c.bound && c.opts.AutoBind == config.AutoBindTLSAfterBind && !c.endpoint.Options.UseSSL {
		if err := c.startTLS(); err != nil {
			return false, err
		}
	}
	return c.bound, nil
}

func (c *ldapConn) authenticate() error {
	switch c.opts.EffectiveAuthentication() {
	case config.AuthAnonymous:
		if c.opts.User == "" {
			return nil
		}
		return c.client.UnauthenticatedBind(c.opts.User)
	case config.AuthSimple:
		return c.client.Bind(c.opts.User, c.opts.Password)
	case config.AuthSASLExternal:
		return c.client.ExternalBind()
	case config.AuthNTLM:
		b, ok := c.client.(ntlmBinder)
		if !ok {
			return errors.New("connection does not support NTLM bind")
		}
		return b.NTLMBind(c.opts.NTLMDomain, c.opts.User, c.opts.Password)
	case config.AuthGSSAPI:
		return kerberosBind(c.client, c.opts, c.endpoint.Hostname())
	}
	return fmt.Errorf("unsupported authentication %s", c.opts.Authentication)
}

// run executes one protocol call. Transport failures on restartable
// strategies re-dial and re-bind up to restartable_tries times.
func (c *ldapConn) run(ctx context.Context, op string, call func(ldap.Client) error) (Result, error) {
	c.last = Result{}
	c.entries = nil
	tries := 0
	for {
		if err := c.reopen(ctx); err != nil {
			return Result{}, err
		}
		err := call(c.client)
		r, ok := classifyError(err)
		if ok {
			if tries > 0 {
				c.usage.RestartableSuccesses++
			}
			return r, nil
		}
		c.drop()
		if !c.Strategy().Restartable() || tries >= c.opts.RestartableTries {
			return Result{}, c.connErr(op, err)
		}
		tries++
		c.usage.RestartableFailures++
		c.logger.Debug().Err(err).Str("server", c.server).Str("op", op).Int("try", tries).Msg("restarting directory connection")
	}
}

// reopen dials and, when the connection was configured to, binds again.
func (c *ldapConn) reopen(ctx context.Context) error {
	if !c.Closed() {
		return nil
	}
	if !c.opts.AutoBind.Enabled() {
		return c.Open(ctx)
	}
	ok, err := c.Bind(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return c.connErr("bind", fmt.Errorf("%s %s", c.last.Description, c.last.Message))
	}
	return nil
}

func (c *ldapConn) finish(r Result, entries []RawEntry) Reply {
	c.last = r
	c.entries = entries
	return replyFor(c.Strategy(), r, entries)
}

func (c *ldapConn) Add(ctx context.Context, dn string, objectClasses []string, opts ...AddOption) (Reply, error) {
	o := collectAddOptions(opts)
	req := ldap.NewAddRequest(dn, ldapControls(o.controls))
	classes := append([]string(nil), objectClasses...)
	for name, vals := range o.attributes {
		switch {
		case strings.EqualFold(name, "objectClass"):
			classes = append(classes, vals...)
		case len(vals) > 0:
			req.Attribute(name, vals)
		}
	}
	if len(classes) > 0 {
		req.Attribute("objectClass", dedupFold(classes))
	}
	c.usage.AddOperations++
	r, err := c.run(ctx, "add", func(cl ldap.Client) error { return cl.Add(req) })
	if err != nil {
		return nil, err
	}
	return c.finish(r, nil), nil
}

func (c *ldapConn) Modify(ctx context.Context, dn string, changes []Change, controls []Control) (Reply, error) {
	req := ldap.NewModifyRequest(dn, ldapControls(controls))
	for _, ch := range changes {
		switch ch.Kind {
		case ModAdd:
			req.Add(ch.Attribute, ch.Values)
		case ModDelete:
			req.Delete(ch.Attribute, ch.Values)
		case ModReplace:
			req.Replace(ch.Attribute, ch.Values)
		case ModIncrement:
			for _, v := range ch.Values {
				req.Increment(ch.Attribute, v)
			}
		}
	}
	c.usage.ModifyOperations++
	r, err := c.run(ctx, "modify", func(cl ldap.Client) error { return cl.Modify(req) })
	if err != nil {
		return nil, err
	}
	return c.finish(r, nil), nil
}

func (c *ldapConn) Search(ctx context.Context, sr SearchRequest) (Reply, error) {
	controls := ldapControls(sr.Controls)
	if sr.PagedSize > 0 {
		controls = append(controls, &pagingControl{size: uint32(sr.PagedSize), critical: sr.PagedCriticality, cookie: sr.PagedCookie})
	}
	req := ldap.NewSearchRequest(sr.Base, sr.Scope, sr.Deref, sr.SizeLimit, sr.TimeLimit, sr.TypesOnly, sr.Filter, sr.Attributes, controls)
	c.usage.SearchOperations++
	var res *ldap.SearchResult
	r, err := c.run(ctx, "search", func(cl ldap.Client) error {
		var err error
		res, err = cl.Search(req)
		return err
	})
	if err != nil {
		return nil, err
	}
	var entries []RawEntry
	if res != nil {
		entries = make([]RawEntry, 0, len(res.Entries))
		for _, e := range res.Entries {
			entries = append(entries, c.shapeEntry(e))
		}
		if pc, ok := ldap.FindControl(res.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
			r.Cookie = pc.Cookie
		}
	}
	return c.finish(r, entries), nil
}

// shapeEntry delivers mappings on safe strategies and accessor objects on
// the others.
func (c *ldapConn) shapeEntry(e *ldap.Entry) RawEntry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = append([]string(nil), a.Values...)
	}
	if c.Strategy().Safe() {
		return mapEntry(e.DN, attrs)
	}
	return &objectEntry{dn: e.DN, attrs: attrs}
}

func (c *ldapConn) Delete(ctx context.Context, dn string, controls []Control) (Reply, error) {
	req := ldap.NewDelRequest(dn, ldapControls(controls))
	c.usage.DeleteOperations++
	r, err := c.run(ctx, "delete", func(cl ldap.Client) error { return cl.Del(req) })
	if err != nil {
		return nil, err
	}
	return c.finish(r, nil), nil
}

// Unbind releases the connection. It is safe to call more than once.
func (c *ldapConn) Unbind() error {
	if c.client == nil {
		return nil
	}
	c.usage.UnbindOperations++
	var err error
	if !c.client.IsClosing() {
		err = c.client.Unbind()
	}
	c.drop()
	if err != nil && !errors.Is(err, ldap.ErrConnUnbound) {
		return c.connErr("unbind", err)
	}
	return nil
}

func (c *ldapConn) Result() Result { return c.last }

func (c *ldapConn) Entries() []RawEntry { return c.entries }

func (c *ldapConn) Usage() Usage { return c.usage }

func ldapControls(in []Control) []ldap.Control {
	if len(in) == 0 {
		return nil
	}
	out := make([]ldap.Control, 0, len(in))
	for _, ctl := range in {
		out = append(out, ldap.NewControlString(ctl.Type, ctl.Criticality, ctl.Value))
	}
	return out
}

// pagingControl is the RFC 2696 request control. Unlike ldap.ControlPaging
// it can be marked critical.
type pagingControl struct {
	size     uint32
	critical bool
	cookie   []byte
}

func (p *pagingControl) GetControlType() string {
	return ldap.ControlTypePaging
}

func (p *pagingControl) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ldap.ControlTypePaging, "Control Type ("+ldap.ControlTypeMap[ldap.ControlTypePaging]+")"))
	if p.critical {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
	}
	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (Paging)")
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Search Control Value")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(p.size), "Paging Size"))
	cookie := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Cookie")
	cookie.Value = p.cookie
	cookie.Data.Write(p.cookie)
	seq.AppendChild(cookie)
	value.AppendChild(seq)
	packet.AppendChild(value)
	return packet
}

func (p *pagingControl) String() string {
	return fmt.Sprintf("Control Type: %s (%q)  Criticality: %t  PagingSize: %d  Cookie: %q",
		ldap.ControlTypeMap[ldap.ControlTypePaging], ldap.ControlTypePaging, p.critical, p.size, p.cookie)
}
