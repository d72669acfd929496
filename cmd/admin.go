// Copyright 2024 The Ingester Authors.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package cmd

import (
	"context"
	"io"
	"strconv"

	"github.com/jaffee/commandeer"
	"github.com/jcu-dc24/ingester/ingest"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// newAdminCommand returns a command which parses a single dataset id
// argument and hands it to run along with a fresh Admin whose fields are
// bound to the command's flags. Remote commands also get a --server flag.
func newAdminCommand(use, short string, remote bool, run func(a *ingest.Admin, id int64) error) *cobra.Command {
	admin := ingest.NewAdmin()
	com := &cobra.Command{
		Use:   use + " <dataset-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "parsing dataset id %q", args[0])
			}
			return run(admin, id)
		},
	}
	if err := commandeer.Flags(com.Flags(), admin); err != nil {
		panic(err)
	}
	if remote {
		com.Flags().StringVar(&admin.Server, "server", "", "Address of a running node to send the command to instead of opening the data directory.")
	}
	return com
}

// NewInvokeCommand returns a command which runs a dataset outside of its
// schedule.
func NewInvokeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return newAdminCommand("invoke", "run a dataset now, or backfill a chained dataset", true, func(a *ingest.Admin, id int64) error {
		return a.Invoke(context.Background(), id)
	})
}

// NewEnableCommand returns a command which enables a dataset.
func NewEnableCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return newAdminCommand("enable", "enable a dataset", false, func(a *ingest.Admin, id int64) error {
		return a.Enable(id)
	})
}

// NewDisableCommand returns a command which disables a dataset.
func NewDisableCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return newAdminCommand("disable", "disable a dataset", false, func(a *ingest.Admin, id int64) error {
		return a.Disable(id)
	})
}

// NewEventsCommand returns a command which prints a dataset's event log.
func NewEventsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return newAdminCommand("events", "print the event log of a dataset", true, func(a *ingest.Admin, id int64) error {
		return a.Events(context.Background(), id, stdout)
	})
}

// NewDefineCommand returns a command which loads schema and dataset
// definitions from a YAML file.
func NewDefineCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	admin := ingest.NewAdmin()
	com := &cobra.Command{
		Use:   "define <file.yaml>",
		Short: "create or replace schemas and datasets from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return admin.Define(args[0], stdout)
		},
	}
	if err := commandeer.Flags(com.Flags(), admin); err != nil {
		panic(err)
	}
	return com
}

// NewResetCommand returns a command which removes all state.
func NewResetCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	admin := ingest.NewAdmin()
	var yes bool
	com := &cobra.Command{
		Use:   "reset",
		Short: "remove every dataset, schema, task, event and entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			return admin.Reset()
		},
	}
	flags := com.Flags()
	if err := commandeer.Flags(flags, admin); err != nil {
		panic(err)
	}
	flags.BoolVar(&yes, "yes", false, "Confirm that all state should be removed.")
	return com
}

func init() {
	subcommandFns["invoke"] = NewInvokeCommand
	subcommandFns["enable"] = NewEnableCommand
	subcommandFns["disable"] = NewDisableCommand
	subcommandFns["events"] = NewEventsCommand
	subcommandFns["define"] = NewDefineCommand
	subcommandFns["reset"] = NewResetCommand
}
