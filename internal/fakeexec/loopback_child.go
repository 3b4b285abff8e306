// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fakeexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rspy/rstest/errors"
)

const portEnvName = "RSTEST_FAKEEXEC_LOOPBACK_PORT"

func init() {
	port, err := strconv.Atoi(os.Getenv(portEnvName))
	if err != nil {
		return
	}

	if err := runLoopback(port); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(254)
	}
	panic("BUG: runLoopback returned successfully")
}

func runLoopback(port int) error {
	ctx := context.Background()

	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, execStreamDesc, execMethod, grpc.WaitForReady(true))
	if err != nil {
		return err
	}

	if err := stream.SendMsg(initMessage(os.Args)); err != nil {
		return err
	}

	// Pump stdin to the server. Errors are ignored here since the main
	// goroutine handles a gone server.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				stream.SendMsg(pipeMessage(streamStdin, buf[:n], false))
			}
			if err != nil {
				break
			}
		}
		stream.SendMsg(pipeMessage(streamStdin, nil, true))
	}()

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return errors.New("stream closed without exit code")
			}
			return err
		}
		fields := msg.GetFields()
		if code, ok := fields[fieldExit]; ok {
			os.Exit(int(code.GetNumberValue()))
		}
		data, closed, err := decodePipeMessage(msg)
		if err != nil {
			return err
		}
		out := os.Stdout
		if fields[fieldStream].GetStringValue() == streamStderr {
			out = os.Stderr
		}
		out.Write(data)
		if closed {
			out.Close()
		}
	}
}
