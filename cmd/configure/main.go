// The configure tool bootstraps a node: it asks the panel which ports this
// node should bind and writes config.json for the agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	guuid "github.com/google/uuid"

	"hightd-agent/internal/config"
	"hightd-agent/internal/remote"
)

func main() {
	uuid := flag.String("uuid", "", "node uuid assigned by the panel")
	remoteURL := flag.String("remote", "", "panel base url")
	token := flag.String("token", "", "node token")
	path := flag.String("path", "servers", "base directory for server sandboxes")
	out := flag.String("config", config.DefaultFile, "output config file")
	flag.Parse()

	if *uuid == "" || *remoteURL == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: configure -uuid <uuid> -remote <url> -token <token> [-path <dir>] [-config <file>]")
		os.Exit(1)
	}
	if _, err := guuid.Parse(*uuid); err != nil {
		fmt.Fprintf(os.Stderr, "invalid node uuid %q: %v\n", *uuid, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := remote.NewClient(*remoteURL, *token)
	ports, err := client.FetchPorts(ctx, *uuid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not fetch node ports from the panel: %v\n", err)
		os.Exit(1)
	}

	cfg := &config.Config{
		UUID:   *uuid,
		Port:   ports.Port,
		SFTP:   ports.SFTP,
		Remote: *remoteURL,
		Token:  *token,
		Path:   *path,
		SSL:    ports.SSL,
	}
	if err := cfg.Save(*out); err != nil {
		fmt.Fprintf(os.Stderr, "could not write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("configuration written to %s (api port %d, sftp port %d)\n", *out, ports.Port, ports.SFTP)
}
