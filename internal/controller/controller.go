// Package controller runs the four directory operations end to end: it
// acquires a connection, translates the request, normalizes the reply and
// releases the connection on every path.
package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/ldap-gateway/internal/directory"
	"github.com/sonroyaalmerol/ldap-gateway/internal/metrics"
)

// DefaultServer is used when a call names no server.
const DefaultServer = "main"

const connectionErrorLabel = "connectionError"

type Controller struct {
	manager       *directory.Manager
	defaultServer string
	logger        zerolog.Logger
	metrics       *metrics.Directory
}

func New(manager *directory.Manager, defaultServer string, logger zerolog.Logger, m *metrics.Directory) *Controller {
	if defaultServer == "" {
		defaultServer = DefaultServer
	}
	return &Controller{
		manager:       manager,
		defaultServer: defaultServer,
		logger:        logger.With().Str("component", "controller").Logger(),
		metrics:       m,
	}
}

func (c *Controller) DefaultServer() string {
	return c.defaultServer
}

func (c *Controller) server(name string) string {
	if name == "" {
		return c.defaultServer
	}
	return name
}

func (c *Controller) record(server, op, result string, start time.Time) {
	c.metrics.RecordOperation(server, op, result, time.Since(start))
}

// Add creates an entry. Protocol refusals come back as the Outcome; the
// error is reserved for directories that cannot be reached.
func (c *Controller) Add(ctx context.Context, server string, req AddEntryRequest) (Outcome, error) {
	server = c.server(server)
	start := time.Now()
	conn, err := c.manager.GetConnection(ctx, server, nil)
	if err != nil {
		c.record(server, "add", connectionErrorLabel, start)
		return Outcome{}, err
	}
	defer c.manager.Release(conn)

	var opts []directory.AddOption
	if req.Attributes != nil {
		opts = append(opts, directory.WithAttributes(ScrubAttributes(req.Attributes, true)))
	}
	if req.Controls != nil {
		opts = append(opts, directory.WithControls(convertControls(req.Controls)))
	}

	reply, err := conn.Add(ctx, req.DN, req.ObjectClass, opts...)
	if err != nil {
		c.logger.Error().Err(err).Str("server", server).Str("dn", req.DN).Msg("add failed")
		c.record(server, "add", connectionErrorLabel, start)
		return Outcome{}, err
	}

	out := outcomeFor(req.DN, resultOf(reply, conn), directory.DescEntryAlreadyExists)
	c.logOutcome(server, "add", out)
	c.record(server, "add", out.Description, start)
	return out, nil
}

// Modify applies the coalesced changes of req to one entry.
func (c *Controller) Modify(ctx context.Context, server string, req ModifyEntryRequest) (Outcome, error) {
	server = c.server(server)
	start := time.Now()
	changes, err := CoalesceChanges(req.Changes)
	if err != nil {
		out := Outcome{DN: req.DN, Description: directory.DescProtocolError, Message: err.Error(), Severity: HardFailure}
		c.logOutcome(server, "modify", out)
		c.record(server, "modify", out.Description, start)
		return out, nil
	}
	conn, err := c.manager.GetConnection(ctx, server, nil)
	if err != nil {
		c.record(server, "modify", connectionErrorLabel, start)
		return Outcome{}, err
	}
	defer c.manager.Release(conn)

	reply, err := conn.Modify(ctx, req.DN, changes, convertControls(req.Controls))
	if err != nil {
		c.logger.Error().Err(err).Str("server", server).Str("dn", req.DN).Msg("modify failed")
		c.record(server, "modify", connectionErrorLabel, start)
		return Outcome{}, err
	}

	out := outcomeFor(req.DN, resultOf(reply, conn),
		directory.DescInsufficientAccessRights,
		directory.DescNoSuchObject,
		directory.DescInvalidDNSyntax,
	)
	c.logOutcome(server, "modify", out)
	c.record(server, "modify", out.Description, start)
	return out, nil
}

// Search never reports directory side failures: they are logged and yield
// empty data with the filter echoed in Criteria. Only a connection that
// cannot be acquired is an error.
func (c *Controller) Search(ctx context.Context, server string, req SearchRequest) (SearchResults, error) {
	server = c.server(server)
	start := time.Now()
	results := SearchResults{Data: []Entry{}, Criteria: req.SearchFilter}

	sr, err := buildSearch(req)
	if err != nil {
		c.logger.Error().Err(err).Str("server", server).Str("filter", req.SearchFilter).Msg("search failed")
		c.record(server, "search", directory.DescProtocolError, start)
		return results, nil
	}
	conn, err := c.manager.GetConnection(ctx, server, nil)
	if err != nil {
		c.record(server, "search", connectionErrorLabel, start)
		return results, err
	}
	defer c.manager.Release(conn)

	reply, err := conn.Search(ctx, sr)
	if err != nil {
		c.logger.Error().Err(err).Str("server", server).Str("base", req.SearchBase).Str("filter", req.SearchFilter).Msg("search failed")
		c.record(server, "search", connectionErrorLabel, start)
		return results, nil
	}

	r := resultOf(reply, conn)
	c.record(server, "search", r.Description, start)
	if !r.Success() {
		c.logger.Error().
			Str("server", server).
			Str("base", req.SearchBase).
			Str("filter", req.SearchFilter).
			Str("result", r.Description).
			Str("message", r.Message).
			Msg("search failed")
		return results, nil
	}

	results.Data = normalizeEntries(entriesOf(reply, conn), c.logger)
	results.Cookie = r.Cookie
	c.logger.Debug().Str("server", server).Str("filter", req.SearchFilter).Int("entries", len(results.Data)).Msg("search done")
	return results, nil
}

// Delete is idempotent: an absent or invalid DN already means the entry is
// gone, and other directory failures are logged. It reports true unless
// no connection could be acquired.
func (c *Controller) Delete(ctx context.Context, server, dn string, controls []Control) (bool, error) {
	server = c.server(server)
	start := time.Now()
	conn, err := c.manager.GetConnection(ctx, server, nil)
	if err != nil {
		c.record(server, "delete", connectionErrorLabel, start)
		return false, err
	}
	defer c.manager.Release(conn)

	reply, err := conn.Delete(ctx, dn, convertControls(controls))
	if err != nil {
		c.logger.Warn().Err(err).Str("server", server).Str("dn", dn).Msg("entry was not deleted")
		c.record(server, "delete", connectionErrorLabel, start)
		return true, nil
	}

	out := outcomeFor(dn, resultOf(reply, conn), directory.DescNoSuchObject, directory.DescInvalidDNSyntax)
	c.record(server, "delete", out.Description, start)
	switch out.Severity {
	case SoftFailure:
		c.logger.Warn().Str("server", server).Str("dn", dn).Str("result", out.Description).Msg("entry was not deleted, already absent")
	case HardFailure:
		c.logger.Error().Str("server", server).Str("dn", dn).Str("result", out.Description).Str("message", out.Message).Msg("entry was not deleted")
	}
	return true, nil
}

// GetLdapHost reports the configured host of a server for health checks.
func (c *Controller) GetLdapHost(server string) string {
	return c.manager.Registry().Host(c.server(server))
}

// Usage opens a connection and returns its counters.
func (c *Controller) Usage(ctx context.Context, server string) (directory.Usage, error) {
	conn, err := c.manager.GetConnection(ctx, c.server(server), nil)
	if err != nil {
		return directory.Usage{}, err
	}
	defer c.manager.Release(conn)
	return conn.Usage(), nil
}

func (c *Controller) logOutcome(server, op string, out Outcome) {
	var ev *zerolog.Event
	switch out.Severity {
	case Succeeded:
		ev = c.logger.Info()
	case SoftFailure:
		ev = c.logger.Warn()
	default:
		ev = c.logger.Error()
	}
	ev.Str("server", server).
		Str("operation", op).
		Str("dn", out.DN).
		Str("result", out.Description).
		Msg(out.Diagnostic())
}
