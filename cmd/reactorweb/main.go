// Command reactorweb is the single-host epoll HTTP/1.1 server's
// entrypoint, following nasa-jpl-golaborate/cmd/multiserver's hand-rolled
// subcommand style (run/mkconf/conf/version/help) rather than a flag/cobra
// framework.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	yml "gopkg.in/yaml.v2"

	"github.com/kagehttp/reactorweb/internal/config"
	"github.com/kagehttp/reactorweb/internal/logging"
	"github.com/kagehttp/reactorweb/internal/server"
)

// Version is injected via ldflags at build time.
var Version = "dev"

const configFileName = "reactorweb.yml"

func root() {
	fmt.Println(`reactorweb serves static files and a login/register demo over a
single-reactor, epoll-based HTTP/1.1 engine.

Usage:
	reactorweb <command>

Commands:
	run
	help
	mkconf
	conf
	version`)
}

func help() {
	fmt.Println(`reactorweb is configured via reactorweb.yml in the working directory.
When no file is present, built-in defaults are used. mkconf writes the
current defaults to disk as a starting point; there is no need to run it
unless you want a populated file to edit.`)
}

func mkconf() {
	c := config.Defaults()
	f, err := os.Create(configFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := config.Load(configFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("reactorweb version %s\n", Version)
}

func run() {
	c, err := config.Load(configFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}

	lg := logging.New(logging.Info, 4096)
	defer lg.Close()

	srv, err := server.New(c, lg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		lg.Errorf("server exited with error: %v", err)
		os.Exit(1)
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}

	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
