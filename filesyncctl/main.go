package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/organized/filesync/filesync"
)

const FilesyncCtlVersion = "0.0.1"

const DefaultUrl = "ws://localhost:8080/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Filesync control.

The default url is:
    url: %s

Prefix a path with @ to address the committed snapshot of the path.
Pass --jwt=prompt to enter the token interactively.

Usage:
    filesyncctl tail [--url=<url>] [--jwt=<jwt>] <path>
    filesyncctl write [--url=<url>] [--jwt=<jwt>] <path>
    filesyncctl commit [--url=<url>] [--jwt=<jwt>] --message=<message>
    filesyncctl state [--url=<url>] [--jwt=<jwt>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>
    --jwt=<jwt>            Connection auth token.
    -m --message=<message> Commit message.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FilesyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if write_, _ := opts.Bool("write"); write_ {
		write(opts)
	} else if commit_, _ := opts.Bool("commit"); commit_ {
		commit(opts)
	} else if state_, _ := opts.Bool("state"); state_ {
		state(opts)
	}
}

func newClient(opts docopt.Opts) *filesync.FileSystemClient {
	url := DefaultUrl
	if urlStr, err := opts.String("--url"); err == nil && urlStr != "" {
		url = urlStr
	}

	var auth *filesync.ClientAuth
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		if jwt == "prompt" {
			Out.Printf("token: ")
			jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
			if err != nil {
				panic(err)
			}
			Out.Printf("\n")
			jwt = string(jwtBytes)
		}
		auth = &filesync.ClientAuth{
			ByJwt:      jwt,
			AppVersion: FilesyncCtlVersion,
		}
	}

	return filesync.NewFileSystemClientWithSettings(
		context.Background(),
		url,
		auth,
		filesync.DefaultClientSettings(),
	)
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func tail(opts docopt.Opts) {
	path, _ := opts.String("<path>")

	ctx, cancel := notifyContext()
	defer cancel()

	client := newClient(opts)
	defer client.Close()

	file := client.OpenFile(path)
	defer file.Close()

	events, err := file.Events()
	if err != nil {
		Err.Fatalf("tail error = %s", err)
	}

	for {
		event, err := events.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			Err.Fatalf("tail error = %s", err)
		}
		Out.Printf("%s %s:\n%s", event.Type, path, event.Content)
	}
}

func write(opts docopt.Opts) {
	path, _ := opts.String("<path>")

	ctx, cancel := notifyContext()
	defer cancel()

	client := newClient(opts)
	defer client.Close()

	file := client.OpenFile(path)
	defer file.Close()

	events, err := file.Events()
	if err != nil {
		Err.Fatalf("write error = %s", err)
	}

	// the first event carries the current content, which becomes the base
	// of the write
	opened, err := events.Next(ctx)
	if err != nil {
		Err.Fatalf("write error = %s", err)
	}

	newContentBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		Err.Fatalf("write error = %s", err)
	}

	mergedContent, err := file.WriteFile(ctx, opened.Content, string(newContentBytes))
	if err != nil {
		Err.Fatalf("write error = %s", err)
	}
	Out.Printf("%s", mergedContent)
}

func commit(opts docopt.Opts) {
	message, _ := opts.String("--message")

	ctx, cancel := notifyContext()
	defer cancel()

	client := newClient(opts)
	defer client.Close()

	if err := client.Commit(ctx, message); err != nil {
		Err.Fatalf("commit error = %s", err)
	}
	Out.Printf("committed")
}

func state(opts docopt.Opts) {
	ctx, cancel := notifyContext()
	defer cancel()

	client := newClient(opts)
	defer client.Close()

	unsub := client.AddStateListener(func(state filesync.ConnectionState) {
		Out.Printf("%s", state)
	})
	defer unsub()

	if err := client.ConnectNow(ctx); err != nil {
		Err.Printf("connect error = %s", err)
	}

	<-ctx.Done()
}
