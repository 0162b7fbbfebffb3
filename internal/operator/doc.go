// ABOUTME: Package operator defines the operator gRPC service, its messages and its client
// ABOUTME: Messages travel as JSON over gRPC using a registered codec

// Package operator exposes the dispatch core to human operators.
//
// The service is dispatch.OperatorService. Its descriptor and client stubs are
// written by hand in the shape protoc-gen-go-grpc produces, and messages are
// plain Go structs carried by the "json" codec registered in this package.
// Callers must select the codec with grpc.CallContentSubtype(CodecName); the
// client returned by NewOperatorServiceClient does that for every call.
//
// Authentication is not handled here. The server is meant to run behind
// auth.UnaryInterceptor and auth.RequireRole, with Login left public.
package operator
