package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/xraph/fiscal/operation"
	"github.com/xraph/fiscal/workitem"
)

// sandboxAuthority accepts every document. It stands in for the real
// authority in homologation and local runs; production deployments embed
// the engine with their own operation.Transmitter.
type sandboxAuthority struct {
	seq atomic.Int64
}

var (
	_ operation.Transmitter = (*sandboxAuthority)(nil)
	_ operation.Fetcher     = (*sandboxAuthority)(nil)
)

func (a *sandboxAuthority) Sign(_ context.Context, doc []byte) ([]byte, error) {
	sum := sha256.Sum256(doc)
	return append(append([]byte{}, doc...), []byte("\n<!-- sig:"+hex.EncodeToString(sum[:])+" -->")...), nil
}

func (a *sandboxAuthority) Transmit(_ context.Context, _ []byte) (string, error) {
	return fmt.Sprintf("SBX%012d", a.seq.Add(1)), nil
}

func (a *sandboxAuthority) QueryStatus(_ context.Context, _ string) (operation.RemoteStatus, error) {
	return operation.RemoteStatus{State: operation.RemoteAuthorized, Protocol: fmt.Sprintf("SBX%012d", a.seq.Load())}, nil
}

func (a *sandboxAuthority) Fetch(_ context.Context, op workitem.Operation, key string, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"operation": string(op), "key": key, "source": "sandbox"})
}
