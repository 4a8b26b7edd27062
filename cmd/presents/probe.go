// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/client"
	"github.com/creachadair/presents/dobj"
)

var probeFlags struct {
	Kind     string        `flag:"kind,default=anonymous,Credential kind"`
	User     string        `flag:"user,default=probe,User name"`
	Password string        `flag:"password,Password or other secret"`
	Version  string        `flag:"version,Client version to report"`
	Groups   string        `flag:"groups,default=global,Comma-separated service groups to request"`
	Timeout  time.Duration `flag:"timeout,default=10s,Timeout for the probe"`
	Object   string        `flag:"object,Name of a published object to fetch and print"`
}

func runProbe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Expected one address")
	}
	ctx, cancel := context.WithTimeout(env.Context(), probeFlags.Timeout)
	defer cancel()

	ch, err := dial(ctx, env.Args[0], nil, "")
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	var groups []string
	if probeFlags.Groups != "" {
		groups = strings.Split(probeFlags.Groups, ",")
	}
	cli := client.New(&client.Options{
		Version:  probeFlags.Version,
		TimeZone: time.Local.String(),
		Groups:   groups,
	}).Start(ch)
	defer cli.Logoff()

	boot, err := cli.Logon(ctx, auth.Credentials{
		Kind:     probeFlags.Kind,
		Username: probeFlags.User,
		Secret:   probeFlags.Password,
	})
	if err != nil {
		return fmt.Errorf("logon: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "auth name:\t%s\n", cli.AuthName())
	fmt.Fprintf(tw, "connection:\t%d\n", boot.ConnID)
	fmt.Fprintf(tw, "client object:\t%d\n", boot.ClientOID)
	for _, h := range boot.Services {
		fmt.Fprintf(tw, "service %q:\t%d\n", h.Name, h.ID)
	}
	for _, name := range slices.Sorted(maps.Keys(boot.Objects)) {
		fmt.Fprintf(tw, "object %q:\t%d\n", name, boot.Objects[name])
	}
	tw.Flush()

	if probeFlags.Object == "" {
		return nil
	}
	oid, ok := boot.Objects[probeFlags.Object]
	if !ok {
		return fmt.Errorf("no published object %q", probeFlags.Object)
	}
	obj, err := cli.Subscribe(ctx, oid)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	printObject(obj)
	return nil
}

func printObject(obj *dobj.Object) {
	fmt.Printf("\n%s\n", obj)
	tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for _, name := range obj.Names() {
		switch v := obj.Get(name).(type) {
		case *dobj.DSet:
			for _, e := range v.Entries() {
				fmt.Fprintf(tw, "  %s[%v]\t%v\n", name, e.Key, e.Value)
			}
		default:
			fmt.Fprintf(tw, "  %s\t%v\n", name, v)
		}
	}
	tw.Flush()
}
