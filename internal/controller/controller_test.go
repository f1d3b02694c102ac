package controller

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
	"github.com/sonroyaalmerol/ldap-gateway/internal/directory"
	"github.com/sonroyaalmerol/ldap-gateway/internal/metrics"
)

const employees = "cn=employees,ou=test,o=lab"

func newMockController(t *testing.T) *Controller {
	t.Helper()
	c, _ := newMockControllerWithRegistry(t)
	return c
}

func newMockControllerWithRegistry(t *testing.T) (*Controller, *prometheus.Registry) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Mocked.Connection.User = "admin"
	cfg.Mocked.Connection.Password = "abadpassword"
	require.NoError(t, config.ApplyDefaults(cfg))

	reg, err := directory.NewRegistry(cfg)
	require.NoError(t, err)
	promReg := prometheus.NewRegistry()
	m := metrics.NewDirectory(promReg)
	mgr := directory.NewManager(reg, zerolog.Nop(), m)
	return New(mgr, config.MockedServerName, zerolog.Nop(), m), promReg
}

func TestControllerAddThenBaseSearch(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()
	dn := "cn=mwatkins,ou=test,o=lab"

	out, err := c.Add(ctx, "", AddEntryRequest{
		DN:          dn,
		ObjectClass: ObjectClasses{"inetOrgPerson"},
		Attributes:  map[string]Values{"sn": {"Watkins"}, "mail": {"mwatkins@lab"}, "description": {""}},
	})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, "success", out.String())

	res, err := c.Search(ctx, "", SearchRequest{SearchBase: dn, SearchFilter: "(objectClass=inetOrgPerson)", SearchScope: ScopeBase})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.NotNil(t, res.Data[0].DN)
	assert.Equal(t, dn, *res.Data[0].DN)
	assert.Equal(t, []string{"mwatkins@lab"}, res.Data[0].Attributes["mail"])
	assert.NotContains(t, res.Data[0].Attributes, "description", "empty attributes are not sent")
	assert.Equal(t, "(objectClass=inetOrgPerson)", res.Criteria)
}

func TestControllerEmployeesScenario(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()

	out, err := c.Add(ctx, config.MockedServerName, AddEntryRequest{DN: employees, ObjectClass: ObjectClasses{"organizationalUnit"}})
	require.NoError(t, err)
	require.True(t, out.OK(), out.String())

	res, err := c.Search(ctx, config.MockedServerName, SearchRequest{
		SearchBase:   employees,
		SearchFilter: "(objectClass=organizationalUnit)",
		SearchScope:  ScopeSubtree,
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, employees, *res.Data[0].DN)
}

func TestControllerAddOutcomes(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()
	_, err := c.Add(ctx, "", AddEntryRequest{DN: employees, ObjectClass: ObjectClasses{"organizationalUnit"}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		req      AddEntryRequest
		desc     string
		severity Severity
	}{
		{"already exists", AddEntryRequest{DN: employees, ObjectClass: ObjectClasses{"organizationalUnit"}}, "entryAlreadyExists", SoftFailure},
		{"invalid dn", AddEntryRequest{DN: "doogie", ObjectClass: ObjectClasses{"organizationalUnit"}}, "invalidDNSyntax", HardFailure},
		{"unknown attribute", AddEntryRequest{DN: "cn=x,o=lab", ObjectClass: ObjectClasses{"person"}, Attributes: map[string]Values{"warpFactor": {"9"}}}, "undefinedAttributeType", HardFailure},
		{"with controls", AddEntryRequest{DN: "cn=y,o=lab", ObjectClass: ObjectClasses{"person"}, Controls: []Control{{Type: "1.3.6.1.1.13.1"}}}, "success", Succeeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Add(ctx, "", tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.desc, out.Description)
			assert.Equal(t, tt.severity, out.Severity)
			if !out.OK() {
				assert.Contains(t, out.String(), tt.req.DN+": "+tt.desc)
			}
		})
	}
}

func TestControllerAddEscapesValues(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()
	_, err := c.Add(ctx, "", AddEntryRequest{
		DN:          employees,
		ObjectClass: ObjectClasses{"organizationalUnit"},
		Attributes:  map[string]Values{"description": {"staff (all)"}},
	})
	require.NoError(t, err)

	res, err := c.Search(ctx, "", SearchRequest{SearchBase: employees, SearchFilter: "(objectClass=*)", SearchScope: ScopeBase, Attributes: Values{"description"}})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, []string{`staff \28all\29`}, res.Data[0].Attributes["description"])
}

func TestControllerModify(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()
	dn := "cn=mwatkins,ou=test,o=lab"
	_, err := c.Add(ctx, "", AddEntryRequest{DN: dn, ObjectClass: ObjectClasses{"inetOrgPerson"}, Attributes: map[string]Values{"sn": {"Watkins"}}})
	require.NoError(t, err)

	out, err := c.Modify(ctx, "", ModifyEntryRequest{DN: dn, Changes: map[string]Operations{
		"mail": {{Kind: ModifyAdd, Values: Values{"a@lab"}}, {Kind: ModifyAdd, Values: Values{"b@lab"}}},
	}})
	require.NoError(t, err)
	assert.True(t, out.OK(), out.String())

	res, err := c.Search(ctx, "", SearchRequest{SearchBase: dn, SearchFilter: "(mail=b@lab)", SearchScope: ScopeBase})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, []string{"a@lab", "b@lab"}, res.Data[0].Attributes["mail"])

	out, err = c.Modify(ctx, "", ModifyEntryRequest{DN: dn, Changes: map[string]Operations{
		"mail": {{Kind: ModifyAdd, Values: Values{"a@lab"}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "attributeOrValueExists", out.Description)
	assert.Equal(t, HardFailure, out.Severity)
}

func TestControllerModifyMissingEntry(t *testing.T) {
	c := newMockController(t)
	out, err := c.Modify(context.Background(), "", ModifyEntryRequest{DN: "cn=nobody,o=lab", Changes: map[string]Operations{
		"description": {{Kind: ModifyReplace, Values: Values{"x"}}},
	}})
	require.NoError(t, err)
	assert.NotEqual(t, "success", out.Description)
	assert.Equal(t, "noSuchObject", out.Description)
	assert.Equal(t, SoftFailure, out.Severity)
}

func TestControllerSearchMissingBase(t *testing.T) {
	c := newMockController(t)
	res, err := c.Search(context.Background(), "", SearchRequest{SearchBase: "ou=nowhere,o=lab", SearchFilter: "(objectClass=*)"})
	require.NoError(t, err)
	assert.NotNil(t, res.Data)
	assert.Empty(t, res.Data)
	assert.Equal(t, "(objectClass=*)", res.Criteria)
}

func TestControllerSearchBadFilter(t *testing.T) {
	c := newMockController(t)
	res, err := c.Search(context.Background(), "", SearchRequest{SearchFilter: "(objectClass=*"})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.Equal(t, "(objectClass=*", res.Criteria)
}

func TestControllerPagedSearch(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()
	for _, dn := range []string{"ou=a,o=lab", "ou=b,o=lab", "ou=c,o=lab"} {
		out, err := c.Add(ctx, "", AddEntryRequest{DN: dn, ObjectClass: ObjectClasses{"organizationalUnit"}})
		require.NoError(t, err)
		require.True(t, out.OK(), out.String())
	}

	req := SearchRequest{SearchFilter: "(objectClass=organizationalUnit)", PagedSize: 2}
	first, err := c.Search(ctx, "", req)
	require.NoError(t, err)
	assert.Len(t, first.Data, 2)
	require.NotEmpty(t, first.Cookie)

	req.PagedCookie = first.Cookie
	second, err := c.Search(ctx, "", req)
	require.NoError(t, err)
	assert.Len(t, second.Data, 1)
	assert.Empty(t, second.Cookie)
}

func TestControllerDelete(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()
	_, err := c.Add(ctx, "", AddEntryRequest{DN: employees, ObjectClass: ObjectClasses{"organizationalUnit"}})
	require.NoError(t, err)

	tests := []struct {
		name string
		dn   string
	}{
		{"existing", employees},
		{"already gone", employees},
		{"never existed", "cn=ghost,o=lab"},
		{"invalid dn", "doogie"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := c.Delete(ctx, "", tt.dn, nil)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}

	res, err := c.Search(ctx, "", SearchRequest{SearchBase: employees, SearchFilter: "(objectClass=*)", SearchScope: ScopeBase})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
}

func TestControllerUnknownServer(t *testing.T) {
	c := newMockController(t)
	ctx := context.Background()

	_, err := c.Add(ctx, "backup", AddEntryRequest{DN: employees, ObjectClass: ObjectClasses{"organizationalUnit"}})
	assert.True(t, directory.IsConnectionError(err))

	_, err = c.Modify(ctx, "backup", ModifyEntryRequest{DN: employees})
	assert.True(t, directory.IsConnectionError(err))

	res, err := c.Search(ctx, "backup", SearchRequest{SearchFilter: "(cn=*)"})
	assert.True(t, directory.IsConnectionError(err))
	assert.Equal(t, "(cn=*)", res.Criteria)

	ok, err := c.Delete(ctx, "backup", employees, nil)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestControllerHostAndUsage(t *testing.T) {
	c := newMockController(t)
	assert.Equal(t, config.MockedServerName, c.DefaultServer())
	assert.Equal(t, "localhost", c.GetLdapHost(""))
	assert.Equal(t, "backup configuration not found", c.GetLdapHost("backup"))

	u, err := c.Usage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, u.BindOperations)
	assert.False(t, u.InitialConnectionStart.IsZero())

	assert.Equal(t, DefaultServer, New(nil, "", zerolog.Nop(), nil).DefaultServer())
}

func TestControllerRecordsOperations(t *testing.T) {
	c, promReg := newMockControllerWithRegistry(t)
	ctx := context.Background()
	_, err := c.Add(ctx, "", AddEntryRequest{DN: employees, ObjectClass: ObjectClasses{"organizationalUnit"}})
	require.NoError(t, err)
	_, err = c.Add(ctx, "", AddEntryRequest{DN: employees, ObjectClass: ObjectClasses{"organizationalUnit"}})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(promReg, "ldapgw_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per result description")
}
