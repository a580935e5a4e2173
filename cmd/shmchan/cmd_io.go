/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/transport"
)

var cmdSend = &cobra.Command{
	Use:   "send [file]",
	Short: "Send the content of a file, or stdin, as one message",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSend,
}

var cmdRecv = &cobra.Command{
	Use:   "recv",
	Short: "Receive messages and write them to stdout",
	Args:  cobra.NoArgs,
	RunE:  runRecv,
}

var cmdEcho = &cobra.Command{
	Use:   "echo",
	Short: "Create a request and a reply channel and answer every request with itself",
	Args:  cobra.NoArgs,
	RunE:  runEcho,
}

var cmdCall = &cobra.Command{
	Use:   "call [file]",
	Short: "Send a request to an echo server and write the reply to stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCall,
}

var flagRecv struct {
	Count int
}

func init() {
	cmdMain.AddCommand(cmdSend, cmdRecv, cmdEcho, cmdCall)

	cmdRecv.Flags().IntVarP(&flagRecv.Count, "count", "n", 1, "Number of messages to receive; 0 receives until interrupted")
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func runSend(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	defer manager.Shutdown() //nolint:errcheck
	ch, err := manager.Open(cmd.Context(), "tx", names())
	if err != nil {
		return err
	}
	if err := ch.Send(cmd.Context(), data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "sent %s to %s\n", humanize.IBytes(uint64(len(data))), ch.Names())
	return nil
}

func runRecv(cmd *cobra.Command, _ []string) error {
	defer manager.Shutdown() //nolint:errcheck
	ch, err := manager.Open(cmd.Context(), "rx", names())
	if err != nil {
		return err
	}
	for i := 0; flagRecv.Count == 0 || i < flagRecv.Count; i++ {
		msg, err := ch.Recv(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := cmd.OutOrStdout().Write(msg); err != nil {
			return err
		}
	}
	return nil
}

func runEcho(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	defer manager.Shutdown() //nolint:errcheck
	rx, err := manager.Create(ctx, "request", names())
	if err != nil {
		return err
	}
	tx, err := manager.Create(ctx, "reply", replyNames())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "serving %s, replying on %s\n", rx.Names(), tx.Names())
	err = transport.NewDuplex(tx, rx).Serve(ctx, func(_ context.Context, req []byte) ([]byte, error) {
		return req, nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runCall(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer manager.Shutdown() //nolint:errcheck
	tx, err := manager.Open(ctx, "request", names())
	if err != nil {
		return err
	}
	rx, err := manager.Open(ctx, "reply", replyNames())
	if err != nil {
		return err
	}
	resp, err := transport.NewDuplex(tx, rx).Call(ctx, data)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(resp)
	return err
}
