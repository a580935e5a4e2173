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

// Package transport defines the message transport used by channel peers and a
// duplex request/reply link built from two simplex channels.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport moves whole messages in one direction or both.
type Transport interface {
	// Send transfers one message.
	Send(ctx context.Context, data []byte) error
	// Recv returns the next message.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases this end of the transport.
	Close() error
}

// Duplex sends on one transport and receives on another. Pairing the request
// channel of one peer with the reply channel of the other gives a
// request/reply link over two single-direction channels.
type Duplex struct {
	tx Transport
	rx Transport
}

// NewDuplex joins tx and rx.
func NewDuplex(tx, rx Transport) *Duplex {
	return &Duplex{tx: tx, rx: rx}
}

// Send transfers data on the outgoing transport.
func (d *Duplex) Send(ctx context.Context, data []byte) error {
	return d.tx.Send(ctx, data)
}

// Recv returns the next message of the incoming transport.
func (d *Duplex) Recv(ctx context.Context) ([]byte, error) {
	return d.rx.Recv(ctx)
}

// Call sends a request and waits for its reply.
func (d *Duplex) Call(ctx context.Context, req []byte) ([]byte, error) {
	if err := d.tx.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("call: send request: %w", err)
	}
	resp, err := d.rx.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("call: receive reply: %w", err)
	}
	return resp, nil
}

// Serve answers requests with handler until ctx is done or a transport fails.
func (d *Duplex) Serve(ctx context.Context, handler func(ctx context.Context, req []byte) ([]byte, error)) error {
	for {
		req, err := d.rx.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("serve: receive request: %w", err)
		}
		resp, err := handler(ctx, req)
		if err != nil {
			return fmt.Errorf("serve: handler: %w", err)
		}
		if err := d.tx.Send(ctx, resp); err != nil {
			return fmt.Errorf("serve: send reply: %w", err)
		}
	}
}

// Close closes both transports.
func (d *Duplex) Close() error {
	return errors.Join(d.tx.Close(), d.rx.Close())
}
