package main

import (
	"fmt"
	"os"

	"github.com/sonroyaalmerol/ldap-gateway/internal/cli"
	"github.com/sonroyaalmerol/ldap-gateway/internal/httpserver"
)

func main() {
	cmd := cli.NewCommand("ldap-gateway", "Public HTTP gateway in front of ldap-service", httpserver.NewGatewayServer)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
