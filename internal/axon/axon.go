// Package axon serves inbound forward and backward tensor calls. It is a
// routing and validation shell around externally attached compute: every
// request either reaches the callback or terminates early with a code from
// the closed taxonomy in wire.
package axon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/opentensor/BitTensor/internal/epistula"
	"github.com/opentensor/BitTensor/internal/tensor"
	"github.com/opentensor/BitTensor/internal/wire"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ForwardFunc computes the response tensor for one inbound forward call.
// A nil result with a nil error means the callback had nothing to return.
type ForwardFunc func(hotkey string, inputs *tensor.Tensor, modality tensor.Modality) (*tensor.Tensor, error)

// BackwardFunc computes the gradient w.r.t. inputs for one backward call.
type BackwardFunc func(hotkey string, inputs *tensor.Tensor, grads *tensor.Tensor, modality tensor.Modality) (*tensor.Tensor, error)

type Options struct {
	Hotkey     signature.KeyringPair
	IP         string
	Port       int
	NetworkDim int
	Verify     bool
	Log        *zap.SugaredLogger
}

type Axon struct {
	echo       *echo.Echo
	log        *zap.SugaredLogger
	serializer tensor.Serializer
	opts       Options

	// mu guards the callback slots; callLock serializes invocation since
	// callbacks are not assumed safe for concurrent calls.
	mu       sync.RWMutex
	callLock sync.Mutex
	forward  ForwardFunc
	backward BackwardFunc
}

func New(opts Options) *Axon {
	if opts.NetworkDim == 0 {
		opts.NetworkDim = wire.DefaultNetworkDim
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a := &Axon{
		echo:       e,
		log:        opts.Log,
		serializer: tensor.MsgpackSerializer{},
		opts:       opts,
	}
	e.POST("/forward", a.handle(a.Forward))
	e.POST("/backward", a.handle(a.Backward))
	return a
}

// AttachForwardCallback replaces the forward handler. At most one is held.
func (a *Axon) AttachForwardCallback(fn ForwardFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forward = fn
}

// AttachBackwardCallback replaces the backward handler.
func (a *Axon) AttachBackwardCallback(fn BackwardFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backward = fn
}

// Start serves until Shutdown or a listener failure. The advertised IP is
// not bound; the listener accepts on all interfaces.
func (a *Axon) Start() error {
	return a.echo.Start(fmt.Sprintf(":%d", a.opts.Port))
}

func (a *Axon) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}

// Handler exposes the route tree so callers can mount or test the axon
// without binding a listener.
func (a *Axon) Handler() http.Handler {
	return a.echo
}

// Forward runs the full validation pipeline for one forward request and
// never panics across this boundary.
func (a *Axon) Forward(env wire.Envelope) wire.Reply {
	if len(env.Tensors) == 0 {
		return a.reply(wire.EmptyRequest, "no tensors in request")
	}
	if !wire.SameMajor(env.Version, wire.Version) {
		return a.reply(wire.EmptyRequest, fmt.Sprintf("request version %d does not match %d", env.Version, wire.Version))
	}
	modality := env.Tensors[0].Modality
	inputs, err := a.serializer.Deserialize(env.Tensors[0])
	if err != nil {
		return a.reply(wire.RequestDeserializationException, err.Error())
	}
	if msg := forwardShape(inputs, modality, a.opts.NetworkDim); msg != "" {
		return a.reply(wire.RequestShapeException, msg)
	}

	a.mu.RLock()
	fn := a.forward
	a.mu.RUnlock()
	if fn == nil {
		return a.reply(wire.NotImplemented, "no forward callback attached")
	}
	outputs, err := a.call(func() (*tensor.Tensor, error) {
		return fn(env.Hotkey, inputs, modality)
	})
	if err != nil {
		a.log.Warnw("Forward callback failed", "hotkey", env.Hotkey, "error", err)
		return a.reply(wire.UnknownException, err.Error())
	}
	if outputs == nil {
		return a.reply(wire.EmptyResponse, "callback returned no tensor")
	}
	serialized, err := a.serializer.Serialize(outputs, modality)
	if err != nil {
		return a.reply(wire.UnknownException, err.Error())
	}
	rep := a.reply(wire.Success, "")
	rep.Tensors = []tensor.Serialized{serialized}
	return rep
}

// Backward expects exactly two tensors, the forward input and the gradient
// on the forward output, and returns the gradient w.r.t. the input.
func (a *Axon) Backward(env wire.Envelope) wire.Reply {
	if len(env.Tensors) != 2 {
		return a.reply(wire.InvalidRequest, fmt.Sprintf("backward wants 2 tensors, got %d", len(env.Tensors)))
	}
	if !wire.SameMajor(env.Version, wire.Version) {
		return a.reply(wire.InvalidRequest, fmt.Sprintf("request version %d does not match %d", env.Version, wire.Version))
	}
	modality := env.Tensors[0].Modality
	inputs, err := a.serializer.Deserialize(env.Tensors[0])
	if err != nil {
		return a.reply(wire.RequestDeserializationException, err.Error())
	}
	grads, err := a.serializer.Deserialize(env.Tensors[1])
	if err != nil {
		return a.reply(wire.RequestDeserializationException, err.Error())
	}
	if msg := backwardShape(inputs, grads, modality); msg != "" {
		return a.reply(wire.RequestShapeException, msg)
	}

	a.mu.RLock()
	fn := a.backward
	a.mu.RUnlock()
	if fn == nil {
		return a.reply(wire.NotImplemented, "no backward callback attached")
	}
	outputs, err := a.call(func() (*tensor.Tensor, error) {
		return fn(env.Hotkey, inputs, grads, modality)
	})
	if err != nil {
		a.log.Warnw("Backward callback failed", "hotkey", env.Hotkey, "error", err)
		return a.reply(wire.UnknownException, err.Error())
	}
	if outputs == nil {
		return a.reply(wire.EmptyResponse, "callback returned no tensor")
	}
	serialized, err := a.serializer.Serialize(outputs, modality)
	if err != nil {
		return a.reply(wire.UnknownException, err.Error())
	}
	rep := a.reply(wire.Success, "")
	rep.Tensors = []tensor.Serialized{serialized}
	return rep
}

// forwardShape enforces the per-modality rank rules on forward inputs:
// TEXT and IMAGE ride as rank-2 token/embedding grids, generic TENSOR is
// rank 3 with the network's hidden width in the last dimension.
func forwardShape(t *tensor.Tensor, m tensor.Modality, dim int) string {
	switch m {
	case tensor.ModalityText, tensor.ModalityImage:
		if t.Rank() != 2 {
			return fmt.Sprintf("%s inputs want rank 2, got shape %v", m, t.Shape)
		}
	case tensor.ModalityTensor:
		if t.Rank() != 3 {
			return fmt.Sprintf("tensor inputs want rank 3, got shape %v", t.Shape)
		}
		if int(t.LastDim()) != dim {
			return fmt.Sprintf("tensor inputs want last dim %d, got shape %v", dim, t.Shape)
		}
	default:
		return fmt.Sprintf("unknown modality %d", m)
	}
	return ""
}

// backwardShape checks the input rank per modality and that the gradient is
// rank 3 with a batch dimension matching the input. The gradient's hidden
// width is not checked here; it describes the remote model's output.
func backwardShape(inputs, grads *tensor.Tensor, m tensor.Modality) string {
	switch m {
	case tensor.ModalityText, tensor.ModalityImage:
		if inputs.Rank() != 2 {
			return fmt.Sprintf("%s inputs want rank 2, got shape %v", m, inputs.Shape)
		}
	case tensor.ModalityTensor:
		if inputs.Rank() != 3 {
			return fmt.Sprintf("tensor inputs want rank 3, got shape %v", inputs.Shape)
		}
	default:
		return fmt.Sprintf("unknown modality %d", m)
	}
	if grads.Rank() != 3 {
		return fmt.Sprintf("gradients want rank 3, got shape %v", grads.Shape)
	}
	if grads.LeadingDim() != inputs.LeadingDim() {
		return fmt.Sprintf("gradient batch dim %d does not match input batch dim %d", grads.LeadingDim(), inputs.LeadingDim())
	}
	return ""
}

// call runs one callback under the invocation lock and converts panics
// into ordinary errors.
func (a *Axon) call(fn func() (*tensor.Tensor, error)) (out *tensor.Tensor, err error) {
	a.callLock.Lock()
	defer a.callLock.Unlock()
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return fn()
}

func (a *Axon) reply(code wire.ReturnCode, message string) wire.Reply {
	return wire.Reply{
		Envelope: wire.Envelope{
			Version: wire.Version,
			Hotkey:  a.opts.Hotkey.Address,
		},
		Code:    code,
		Message: message,
	}
}

// handle adapts a pipeline method onto an echo route. Taxonomy codes ride
// in the body with HTTP 200; only auth failures use the transport status.
func (a *Axon) handle(pipeline func(wire.Envelope) wire.Reply) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.String(http.StatusBadRequest, "failed reading body")
		}
		if a.opts.Verify {
			sig := c.Request().Header.Get("Epistula-Request-Signature")
			timestamp := c.Request().Header.Get("Epistula-Timestamp")
			id := c.Request().Header.Get("Epistula-Uuid")
			signedFor := c.Request().Header.Get("Epistula-Signed-For")
			signedBy := c.Request().Header.Get("Epistula-Signed-By")
			if err := epistula.Verify(a.opts.Hotkey.Address, sig, body, timestamp, id, signedFor, signedBy); err != nil {
				a.log.Warnw("Rejected request", "signed_by", signedBy, "error", err)
				return c.String(http.StatusUnauthorized, err.Error())
			}
		}
		var env wire.Envelope
		if err := msgpack.Unmarshal(body, &env); err != nil {
			return a.respond(c, a.reply(wire.RequestDeserializationException, "could not decode envelope"))
		}
		return a.respond(c, pipeline(env))
	}
}

func (a *Axon) respond(c echo.Context, rep wire.Reply) error {
	out, err := msgpack.Marshal(rep)
	if err != nil {
		a.log.Errorw("Failed encoding reply", "error", err)
		return c.String(http.StatusInternalServerError, "failed encoding reply")
	}
	return c.Blob(http.StatusOK, "application/msgpack", out)
}
