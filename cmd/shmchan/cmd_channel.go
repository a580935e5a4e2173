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
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/shm"
)

var cmdCreate = &cobra.Command{
	Use:   "create",
	Short: "Create a channel and leave it in place",
	Args:  cobra.NoArgs,
	RunE:  runCreate,
}

var cmdDestroy = &cobra.Command{
	Use:   "destroy",
	Short: "Remove the resources of a channel",
	Args:  cobra.NoArgs,
	RunE:  runDestroy,
}

var cmdInspect = &cobra.Command{
	Use:   "inspect",
	Short: "Print the handshake state and the current fragment header of a channel",
	Args:  cobra.NoArgs,
	RunE:  runInspect,
}

var flagCreate struct {
	Hold bool
}

func init() {
	cmdMain.AddCommand(cmdCreate, cmdDestroy, cmdInspect)

	cmdCreate.Flags().BoolVar(&flagCreate.Hold, "hold", false, "Keep the channel until interrupted, then destroy it")
}

func runCreate(cmd *cobra.Command, _ []string) error {
	ch, err := manager.Create(cmd.Context(), "channel", names())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s capacity %s max payload %s\n",
		ch.Names(), humanize.IBytes(uint64(ch.Capacity())), humanize.IBytes(uint64(ch.MaxPayload())))
	if !flagCreate.Hold {
		return manager.Close("channel")
	}
	<-cmd.Context().Done()
	return manager.Shutdown()
}

func runDestroy(cmd *cobra.Command, _ []string) error {
	if err := shm.Destroy(names(), manager.Config()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", names())
	return nil
}

func runInspect(cmd *cobra.Command, _ []string) error {
	cfg := manager.Config()
	ch, err := shm.Open(cmd.Context(), names(), cfg)
	if err != nil {
		return err
	}
	defer ch.Close()
	readable, writable, err := ch.State()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "channel:%s readable:%d writable:%d\n", ch.Names(), readable, writable)
	shm.DebugSegmentDetail(out, cfg.SegmentPath(ch.Names().Segment))
	return nil
}
