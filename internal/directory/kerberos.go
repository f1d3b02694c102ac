package directory

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

// gssapiBinder is implemented by *ldap.Conn.
type gssapiBinder interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

func kerberosBind(c ldap.Client, opts config.ConnectionOptions, host string) error {
	b, ok := c.(gssapiBinder)
	if !ok {
		return errors.New("connection does not support GSSAPI bind")
	}
	client, err := newGSSAPIClient(opts)
	if err != nil {
		return fmt.Errorf("kerberos: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()
	return b.GSSAPIBind(client, servicePrincipal(opts.Kerberos, host), "")
}

// newGSSAPIClient picks credentials in order: credential cache, keytab,
// password.
func newGSSAPIClient(opts config.ConnectionOptions) (ldap.GSSAPIClient, error) {
	krb := opts.Kerberos
	if !fileExists(krb.Krb5Conf) {
		return nil, fmt.Errorf("krb5 configuration %s not found", krb.Krb5Conf)
	}
	user, realm := splitPrincipal(opts.User, krb.Realm)

	ccache := krb.CCachePath
	if ccache == "" {
		ccache = defaultCCachePath()
	}
	if fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, krb.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}
	if realm == "" || user == "" {
		return nil, errors.New("a principal and realm are required without a credential cache")
	}
	if fileExists(krb.KeytabPath) {
		return gssapi.NewClientWithKeytab(user, realm, krb.KeytabPath, krb.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}
	if opts.Password != "" {
		return gssapi.NewClientWithPassword(user, realm, opts.Password, krb.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}
	return nil, errors.New("no credential cache, keytab or password available")
}

// splitPrincipal separates user@REALM unless a realm is configured.
func splitPrincipal(user, realm string) (string, string) {
	if realm != "" {
		return user, realm
	}
	if i := strings.LastIndex(user, "@"); i > 0 {
		return user[:i], user[i+1:]
	}
	return user, ""
}

func servicePrincipal(krb config.KerberosConfig, host string) string {
	if krb.SPN != "" {
		return krb.SPN
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return "ldap/" + host
}

func defaultCCachePath() string {
	if v := os.Getenv("KRB5CCNAME"); v != "" {
		return strings.TrimPrefix(v, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
