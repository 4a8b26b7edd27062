// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program presents runs and probes presents server nodes.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/presents/auth"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and probe presents server nodes.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--config path]",
				Help: `Run a server node.

Settings are read from the configuration file, if one is given, and then from
environment variables named PRESENTS_<SETTING>, for example PRESENTS_LISTEN.
The node accepts framed stream connections on its listen address, WebSocket
connections on its websocket address, and links to its configured peers.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "probe",
				Usage: "<address>",
				Help: `Log on to a server node and print its bootstrap data.

The address is either "host:port" for a stream connection, or a ws:// or
wss:// URL for a WebSocket connection.`,
				SetFlags: command.Flags(flax.MustBind, &probeFlags),
				Run:      runProbe,
			},
			{
				Name:     "hash",
				Usage:    "<password>",
				Help:     "Print the bcrypt hash of a password, for the users table of a node.",
				SetFlags: command.Flags(flax.MustBind, &hashFlags),
				Run: func(env *command.Env) error {
					if len(env.Args) != 1 {
						return env.Usagef("Expected one password")
					}
					hash, err := auth.HashPassword(env.Args[0], hashFlags.Cost)
					if err != nil {
						return err
					}
					fmt.Println(hash)
					return nil
				},
			},
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help:  packHelp,
				Run:   runPack,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

var hashFlags struct {
	Cost int `flag:"cost,default=10,bcrypt cost factor"`
}
