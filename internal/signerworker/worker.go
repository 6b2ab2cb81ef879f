// Package signerworker implements the Signer Worker: a single-threaded
// actor holding a decrypted Ed25519 signing keypair only for the duration
// of a single sign call, reached only via typed request/response messages.
//
// Grounded on the same goroutine-actor pattern as internal/vrfworker,
// itself grounded on the teacher's services/vrf background-goroutine
// convention, generalized here from VRF proving to transaction signing
// and borsh encoding.
package signerworker

import (
	"context"

	"github.com/nearkey/signer-core/internal/borsh"
	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// ProgressEvent is emitted during SignWithActions for observability, on the
// progress channel the caller passes (none is sent when that channel is nil).
type ProgressEvent struct {
	Stage   string // "encoding", "signing", "done"
	Message string
}

type signRequest struct {
	keypair  cryptocore.KeyPair
	tx       types.Transaction
	progress chan<- ProgressEvent
	reply    chan signResponse
}

type signResponse struct {
	signed types.SignedTransaction
	err    error
}

// Worker is the Signer Worker actor handle.
type Worker struct {
	reqCh chan signRequest
}

// Start launches the worker goroutine.
func Start(ctx context.Context) *Worker {
	w := &Worker{reqCh: make(chan signRequest)}
	go w.run(ctx)
	return w
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.reqCh:
			if !ok {
				return
			}
			req.reply <- signOne(req.keypair, req.tx, req.progress)
		}
	}
}

func signOne(kp cryptocore.KeyPair, tx types.Transaction, progress chan<- ProgressEvent) signResponse {
	emit(progress, ProgressEvent{Stage: "encoding", Message: "encoding transaction"})

	for _, action := range tx.Actions {
		if err := action.Validate(); err != nil {
			return signResponse{err: svcerr.Wrap(svcerr.CodeActionInvalid, "validate action", err)}
		}
	}

	encoded, err := borsh.EncodeTransaction(tx)
	if err != nil {
		return signResponse{err: err}
	}

	emit(progress, ProgressEvent{Stage: "signing", Message: "signing transaction bytes"})
	sig := kp.Sign(encoded)

	signed := types.SignedTransaction{
		Transaction: tx,
		Signature:   sig,
		BorshBytes:  appendSignature(encoded, sig),
	}

	emit(progress, ProgressEvent{Stage: "done", Message: "transaction signed"})
	return signResponse{signed: signed}
}

// appendSignature mirrors NEAR's on-wire SignedTransaction encoding: the
// unsigned transaction's borsh bytes followed by the signature's curve tag
// and raw bytes.
func appendSignature(encodedTx []byte, sig [64]byte) []byte {
	s := borsh.NewSerializer()
	s.WriteFixedBytes(encodedTx)
	s.WriteU8(0) // curve id 0 == ED25519
	s.WriteFixedBytes(sig[:])
	return s.Bytes()
}

func emit(progress chan<- ProgressEvent, ev ProgressEvent) {
	if progress == nil {
		return
	}
	select {
	case progress <- ev:
	default:
		// Never block signing on a slow or absent progress consumer.
	}
}

// SignWithActions encodes and signs a transaction built from actions,
// using the given keypair for the duration of this call only — the
// keypair never outlives the call on the worker's stack. If progress is
// non-nil, best-effort stage events are sent to it.
func (w *Worker) SignWithActions(ctx context.Context, kp cryptocore.KeyPair, tx types.Transaction, progress chan<- ProgressEvent) (types.SignedTransaction, error) {
	reply := make(chan signResponse, 1)
	req := signRequest{keypair: kp, tx: tx, progress: progress, reply: reply}

	select {
	case w.reqCh <- req:
	case <-ctx.Done():
		return types.SignedTransaction{}, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp.signed, resp.err
	case <-ctx.Done():
		return types.SignedTransaction{}, ctx.Err()
	}
}

// SignWithKeypair is an alias for SignWithActions kept distinct in the
// public API to mirror spec.md's two named entry points (one invoked from
// the orchestrator's normal flow, one from the device-linking flow which
// already holds a decrypted keypair without a fresh WebAuthn ceremony);
// both share one implementation since signing itself does not depend on
// how the keypair was obtained.
func (w *Worker) SignWithKeypair(ctx context.Context, kp cryptocore.KeyPair, tx types.Transaction, progress chan<- ProgressEvent) (types.SignedTransaction, error) {
	return w.SignWithActions(ctx, kp, tx, progress)
}
