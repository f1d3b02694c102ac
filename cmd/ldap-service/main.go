package main

import (
	"fmt"
	"os"

	"github.com/sonroyaalmerol/ldap-gateway/internal/cli"
	"github.com/sonroyaalmerol/ldap-gateway/internal/httpserver"
)

func main() {
	cmd := cli.NewCommand("ldap-service", "HTTP API over one or more LDAP directories", httpserver.NewServer)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
