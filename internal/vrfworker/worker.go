// Package vrfworker implements the VRF Worker: a single-threaded actor
// owning an unlocked VRF keypair in memory, reached only through typed
// request/response messages over a channel, never through shared mutable
// state.
//
// Grounded on the teacher's services/vrf background-goroutine pattern
// (runEventListener/runRequestFulfiller own all VRF state and are only
// ever driven by messages, never called into directly from request
// handlers), rendered here as the idiomatic Go actor: one goroutine
// selecting on a single request channel, so every state transition is
// serialized without a mutex.
package vrfworker

import (
	"context"

	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// request is the sealed union of messages the worker goroutine accepts.
type request struct {
	kind     reqKind
	userID   string
	keypair  cryptocore.KeyPair
	rpID     string
	blockHash [32]byte
	blockHeight uint64
	reply    chan response
}

type reqKind int

const (
	reqUnlock reqKind = iota
	reqIsActive
	reqChallenge
	reqLock
)

type response struct {
	active    bool
	challenge types.VRFChallenge
	err       error
}

// Worker is the VRF Worker actor handle. Callers only ever interact with it
// through its methods, which send a request and block for the goroutine's
// reply.
type Worker struct {
	reqCh chan request
	done  chan struct{}
}

// Start launches the worker goroutine and returns a handle to it. The
// worker begins with no unlocked keypair (IsActive reports false) until
// Unlock is called.
func Start(ctx context.Context) *Worker {
	w := &Worker{
		reqCh: make(chan request),
		done:  make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	var active bool
	var userID string
	var keypair cryptocore.KeyPair

	for {
		select {
		case <-ctx.Done():
			// Zero the in-memory seed before exiting, mirroring the
			// scheduled wipe the device-linking and logout flows rely on.
			keypair = cryptocore.KeyPair{}
			return

		case req, ok := <-w.reqCh:
			if !ok {
				return
			}
			switch req.kind {
			case reqUnlock:
				keypair = req.keypair
				userID = req.userID
				active = true
				req.reply <- response{}

			case reqLock:
				keypair = cryptocore.KeyPair{}
				userID = ""
				active = false
				req.reply <- response{}

			case reqIsActive:
				req.reply <- response{active: active}

			case reqChallenge:
				if !active {
					req.reply <- response{err: svcerr.New(svcerr.CodeVRFLocked, "vrf worker has no unlocked keypair")}
					continue
				}
				if req.userID != "" && req.userID != userID {
					req.reply <- response{err: svcerr.New(svcerr.CodeVRFWrongUser, "vrf challenge requested for a different user than is unlocked")}
					continue
				}
				challenge, err := buildChallenge(keypair, userID, req.rpID, req.blockHash, req.blockHeight)
				req.reply <- response{challenge: challenge, err: err}
			}
		}
	}
}

// Unlock installs a VRF keypair in the worker, making it active for the
// calling user id. Replaces any previously unlocked keypair.
func (w *Worker) Unlock(ctx context.Context, userID string, kp cryptocore.KeyPair) error {
	reply := make(chan response, 1)
	select {
	case w.reqCh <- request{kind: reqUnlock, userID: userID, keypair: kp, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lock wipes the worker's in-memory keypair, as on logout.
func (w *Worker) Lock(ctx context.Context) error {
	reply := make(chan response, 1)
	select {
	case w.reqCh <- request{kind: reqLock, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether the worker currently holds an unlocked keypair.
func (w *Worker) IsActive(ctx context.Context) (bool, error) {
	reply := make(chan response, 1)
	select {
	case w.reqCh <- request{kind: reqIsActive, reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.active, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Challenge produces a fresh VRF challenge bound to the given recent block,
// for the given user id and relying party id. Fails with CodeVRFLocked if
// no keypair is currently unlocked, or CodeVRFWrongUser if userID does not
// match the unlocked identity.
func (w *Worker) Challenge(ctx context.Context, userID, rpID string, blockHash [32]byte, blockHeight uint64) (types.VRFChallenge, error) {
	reply := make(chan response, 1)
	req := request{kind: reqChallenge, userID: userID, rpID: rpID, blockHash: blockHash, blockHeight: blockHeight, reply: reply}
	select {
	case w.reqCh <- req:
	case <-ctx.Done():
		return types.VRFChallenge{}, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.challenge, resp.err
	case <-ctx.Done():
		return types.VRFChallenge{}, ctx.Err()
	}
}

func buildChallenge(kp cryptocore.KeyPair, userID, rpID string, blockHash [32]byte, blockHeight uint64) (types.VRFChallenge, error) {
	input := vrfInput(userID, rpID, blockHash)
	proof, output := cryptocore.VRFProve(kp, input)

	var pub [32]byte
	copy(pub[:], kp.PublicKey)

	return types.VRFChallenge{
		UserID:       userID,
		RPID:         rpID,
		BlockHash:    blockHash,
		BlockHeight:  blockHeight,
		VRFInput:     input,
		VRFOutput:    output,
		VRFProof:     proof[:],
		VRFPublicKey: pub,
	}, nil
}

func vrfInput(userID, rpID string, blockHash [32]byte) []byte {
	out := make([]byte, 0, len(userID)+len(rpID)+32+2)
	out = append(out, []byte(userID)...)
	out = append(out, 0)
	out = append(out, []byte(rpID)...)
	out = append(out, 0)
	out = append(out, blockHash[:]...)
	return out
}
