// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fakeexec

import (
	"encoding/base64"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rspy/rstest/errors"
)

// Loopback processes talk to the unit test process over a single
// bidirectional stream of structpb.Struct messages:
//
//	child -> test: {"args": [...]}, then {"stream": "stdin", "data": b64, "close": bool}...
//	test -> child: {"stream": "stdout"|"stderr", "data": b64, "close": bool}..., then {"exit": code}
const (
	fieldArgs   = "args"
	fieldStream = "stream"
	fieldData   = "data"
	fieldClose  = "close"
	fieldExit   = "exit"

	streamStdin  = "stdin"
	streamStdout = "stdout"
	streamStderr = "stderr"

	execMethod = "/rstest.fakeexec.Loopback/Exec"
)

// loopbackServer is implemented by ProcFunc.
type loopbackServer interface {
	Exec(stream grpc.ServerStream) error
}

var loopbackServiceDesc = grpc.ServiceDesc{
	ServiceName: "rstest.fakeexec.Loopback",
	HandlerType: (*loopbackServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Exec",
		Handler:       execHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "fakeexec/protocol.go",
}

var execStreamDesc = &loopbackServiceDesc.Streams[0]

func execHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(loopbackServer).Exec(stream)
}

func initMessage(args []string) *structpb.Struct {
	values := make([]*structpb.Value, len(args))
	for i, a := range args {
		values[i] = structpb.NewStringValue(a)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldArgs: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

func pipeMessage(stream string, data []byte, close bool) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldStream: structpb.NewStringValue(stream),
		fieldData:   structpb.NewStringValue(base64.StdEncoding.EncodeToString(data)),
		fieldClose:  structpb.NewBoolValue(close),
	}}
}

func exitMessage(code int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldExit: structpb.NewNumberValue(float64(code)),
	}}
}

func decodePipeMessage(msg *structpb.Struct) (data []byte, close bool, err error) {
	fields := msg.GetFields()
	data, err = base64.StdEncoding.DecodeString(fields[fieldData].GetStringValue())
	if err != nil {
		return nil, false, errors.Wrap(err, "corrupted pipe data")
	}
	return data, fields[fieldClose].GetBoolValue(), nil
}
