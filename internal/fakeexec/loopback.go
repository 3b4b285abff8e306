// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fakeexec

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/shutil"
)

// ProcFunc is a callback passed to CreateLoopback to fully control the behavior of
// a loopback process.
type ProcFunc func(args []string, stdin io.Reader, stdout, stderr io.WriteCloser) int

// Exec serves a single execution of a loopback process.
func (p ProcFunc) Exec(stream grpc.ServerStream) error {
	init := &structpb.Struct{}
	if err := stream.RecvMsg(init); err != nil {
		return err
	}
	argsValue, ok := init.GetFields()[fieldArgs]
	if !ok {
		return errors.New("first message lacks args")
	}
	var args []string
	for _, v := range argsValue.GetListValue().GetValues() {
		args = append(args, v.GetStringValue())
	}

	send := &sender{stream: stream}
	stdin := &execIn{stream: stream}
	stdout := &execOut{send: send, name: streamStdout}
	stderr := &execOut{send: send, name: streamStderr}

	code := p(args, stdin, stdout, stderr)

	return send.send(exitMessage(code))
}

// Loopback represents a loopback executable file.
type Loopback struct {
	srv  *grpc.Server
	path string
}

// CreateLoopback creates a new file called a loopback executable.
//
// When a loopback executable file is executed, its process connects to the
// current unit test process by gRPC to call proc remotely. The process behaves
// exactly as specified by proc. Since proc is called within the current unit
// test process, unit tests and subprocesses can interact easily with Go
// constructs, e.g. shared memory or channels.
//
// A drawback is that proc can only emulate args, stdio and exit code. If you
// need to do anything else, e.g. catching signals, use NewAuxMain instead.
//
// Once you're done with a loopback executable, call Loopback.Close to release
// associated resources.
func CreateLoopback(path string, proc ProcFunc) (lo *Loopback, retErr error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	port := lis.Addr().(*net.TCPAddr).Port
	defer func() {
		if retErr != nil {
			lis.Close()
		}
	}()

	script, err := buildScript(port)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, script, 0755); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			os.Remove(path)
		}
	}()

	// WriteFile does not change permissions of an existing file.
	if err := os.Chmod(path, 0755); err != nil {
		return nil, err
	}

	srv := grpc.NewServer()
	srv.RegisterService(&loopbackServiceDesc, proc)
	go srv.Serve(lis)
	return &Loopback{srv: srv, path: path}, nil
}

func buildScript(port int) ([]byte, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	script := fmt.Sprintf(`#!/bin/sh
%s=%d exec %s "$@"
`, portEnvName, port, shutil.Escape(exe))
	return []byte(script), nil
}

// Path returns the path of the loopback executable file.
func (s *Loopback) Path() string {
	return s.path
}

// Close removes the loopback executable file and releases its associated
// resources.
func (s *Loopback) Close() error {
	s.srv.Stop()
	return os.Remove(s.path)
}

// sender serializes messages sent on a server stream, which gRPC does not
// allow to be sent concurrently.
type sender struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (s *sender) send(msg *structpb.Struct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(msg)
}

// execIn implements io.Reader which reads from the loopback process stdin.
type execIn struct {
	stream grpc.ServerStream
	buf    []byte
	closed bool
}

func (s *execIn) Read(p []byte) (n int, err error) {
	for {
		if len(s.buf) > 0 {
			n = copy(p, s.buf)
			s.buf = s.buf[n:]
			return n, nil
		}
		if s.closed {
			return 0, io.EOF
		}

		msg := &structpb.Struct{}
		if err := s.stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				s.closed = true
				continue
			}
			return 0, err
		}
		data, closed, err := decodePipeMessage(msg)
		if err != nil {
			return 0, err
		}
		s.buf = data
		s.closed = closed
	}
}

// execOut implements io.WriteCloser which writes to the loopback process stdout
// or stderr.
type execOut struct {
	send *sender
	name string
}

func (s *execOut) Write(p []byte) (n int, err error) {
	if err := s.send.send(pipeMessage(s.name, p, false)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *execOut) Close() error {
	return s.send.send(pipeMessage(s.name, nil, true))
}
