// Copyright (c) 2026 Tiltfactory, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package clustermesh joins a game-server process to a mesh of cooperating
// servers. A Node registers itself in a shared service directory under a
// renewable lease, mirrors the directory into a local registry, and
// exchanges RPCs, pushes and kicks with its peers over a subject-addressed
// message bus.
//
// A minimal frontend server:
//
//	node, err := clustermesh.New(cluster.Server{
//		ID:       "room-1",
//		Kind:     "room",
//		Frontend: true,
//	}, clustermesh.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	node.HandleRPC(func(rpc *transport.RPC) {
//		rpc.Respond([]byte("ok"))
//	})
//	if err := node.Start(); err != nil {
//		log.Fatal(err)
//	}
//	node.WaitShutdownSignal()
//	node.Shutdown(context.Background())
//
// Payloads are opaque byte slices end to end; the mesh never interprets
// application data.
package clustermesh
