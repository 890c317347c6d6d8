// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the contract between the protocol engine and the
// hosted application.
//
// # Architecture Overview
//
// The engine invokes the application once per stream: once per HTTP
// request/response cycle, or once per WebSocket connection. The application
// receives a Scope describing the request and the transport (method, path,
// headers, addresses, TLS flag) plus interaction primitives to pull body or
// message chunks and to push response or message chunks.
//
// # HTTP
//
//	func (h *App) ServeHTTP(ctx context.Context, scope *handler.Scope,
//		req handler.RequestStream, resp handler.ResponseStream) error {
//		for {
//			chunk, err := req.Next(ctx)
//			if err != nil {
//				return err
//			}
//			if !chunk.More {
//				break
//			}
//		}
//		if err := resp.Start(ctx, 200, []wire.Field{{Name: "content-length", Value: "2"}}); err != nil {
//			return err
//		}
//		if err := resp.Write(ctx, []byte("ok")); err != nil {
//			return err
//		}
//		return resp.End(ctx)
//	}
//
// # WebSocket
//
// ServeWebSocket must call Accept (or return an error, which rejects the
// handshake) before exchanging messages. Receive returns
// errors.ErrConnectionClosed once the peer disconnects.
//
// # Failure
//
// An error returned from ServeHTTP maps to a best-effort 500 response when no
// response bytes have been sent yet, and to an abrupt connection close
// otherwise. Errors never propagate to other connections.
package handler
