// Package dendrite issues outbound forward and backward calls to peer
// axons. Calls fan out concurrently, one goroutine per endpoint, and every
// endpoint resolves to a tensor-or-nil plus a terminal code; one peer's
// fault never disturbs its siblings.
package dendrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/opentensor/BitTensor/internal/endpoint"
	"github.com/opentensor/BitTensor/internal/epistula"
	"github.com/opentensor/BitTensor/internal/tensor"
	"github.com/opentensor/BitTensor/internal/wire"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/sony/gobreaker"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DefaultTimeout bounds one peer call, two chain blocks' worth of waiting.
const DefaultTimeout = 12 * time.Second

var errDecodeReply = errors.New("could not decode reply")

type Options struct {
	Timeout time.Duration
	Log     *zap.SugaredLogger
}

type Dendrite struct {
	hotkey signature.KeyringPair
	opts   Options
	log    *zap.SugaredLogger

	mu        sync.Mutex
	receptors map[string]*receptor
}

func New(hotkey signature.KeyringPair, opts Options) *Dendrite {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Dendrite{
		hotkey:    hotkey,
		opts:      opts,
		log:       opts.Log,
		receptors: map[string]*receptor{},
	}
}

// Forward sends inputs[i] to endpoints[i] for every i concurrently and
// returns tensors and codes positionally aligned with endpoints. The error
// return is only for arity misuse; per-peer outcomes ride in the codes.
func (d *Dendrite) Forward(ctx context.Context, endpoints []endpoint.Endpoint, inputs []*tensor.Tensor, modality tensor.Modality) ([]*tensor.Tensor, []wire.ReturnCode, error) {
	if len(endpoints) != len(inputs) {
		return nil, nil, fmt.Errorf("got %d endpoints and %d inputs", len(endpoints), len(inputs))
	}
	outputs := make([]*tensor.Tensor, len(endpoints))
	codes := make([]wire.ReturnCode, len(endpoints))
	var wg sync.WaitGroup
	for i := range endpoints {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outputs[i], codes[i] = d.send(ctx, endpoints[i], "/forward", []*tensor.Tensor{inputs[i]}, modality)
		}(i)
	}
	wg.Wait()
	return outputs, codes, nil
}

// Backward sends (input, gradient) pairs and expects gradients w.r.t. the
// inputs back, with the same alignment guarantees as Forward.
func (d *Dendrite) Backward(ctx context.Context, endpoints []endpoint.Endpoint, inputs []*tensor.Tensor, grads []*tensor.Tensor, modality tensor.Modality) ([]*tensor.Tensor, []wire.ReturnCode, error) {
	if len(endpoints) != len(inputs) || len(endpoints) != len(grads) {
		return nil, nil, fmt.Errorf("got %d endpoints, %d inputs and %d grads", len(endpoints), len(inputs), len(grads))
	}
	outputs := make([]*tensor.Tensor, len(endpoints))
	codes := make([]wire.ReturnCode, len(endpoints))
	var wg sync.WaitGroup
	for i := range endpoints {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outputs[i], codes[i] = d.send(ctx, endpoints[i], "/backward", []*tensor.Tensor{inputs[i], grads[i]}, modality)
		}(i)
	}
	wg.Wait()
	return outputs, codes, nil
}

// send performs one signed call to one peer under its own timeout. Peers
// whose hotkey is known but who never posted axon info have no address and
// are unreachable by definition.
func (d *Dendrite) send(ctx context.Context, ep endpoint.Endpoint, route string, payload []*tensor.Tensor, modality tensor.Modality) (*tensor.Tensor, wire.ReturnCode) {
	if ep.IP == "" {
		return nil, wire.Unavailable
	}
	serializer := tensor.MsgpackSerializer{}
	env := wire.Envelope{Version: wire.Version, Hotkey: d.hotkey.Address}
	for _, t := range payload {
		s, err := serializer.Serialize(t, modality)
		if err != nil {
			d.log.Warnw("Failed serializing request tensor", "peer", ep.Hotkey, "error", err)
			return nil, wire.UnknownException
		}
		env.Tensors = append(env.Tensors, s)
	}
	body, err := msgpack.Marshal(env)
	if err != nil {
		d.log.Warnw("Failed encoding envelope", "peer", ep.Hotkey, "error", err)
		return nil, wire.UnknownException
	}

	r := d.receptor(ep)
	cctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	res, err := r.breaker.Execute(func() (any, error) {
		return d.post(cctx, r, route, body)
	})
	if err != nil {
		code := classify(err)
		d.log.Debugw("Call failed", "peer", ep.Hotkey, "route", route, "code", code.String(), "error", err)
		return nil, code
	}

	rep := res.(wire.Reply)
	if rep.Code != wire.Success {
		return nil, rep.Code
	}
	if len(rep.Tensors) == 0 {
		return nil, wire.EmptyResponse
	}
	out, err := serializer.Deserialize(rep.Tensors[0])
	if err != nil {
		d.log.Debugw("Failed decoding response tensor", "peer", ep.Hotkey, "error", err)
		return nil, wire.ResponseDeserializationException
	}
	return out, wire.Success
}

func (d *Dendrite) post(ctx context.Context, r *receptor, route string, body []byte) (wire.Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+r.endpoint.Addr()+route, bytes.NewReader(body))
	if err != nil {
		return wire.Reply{}, err
	}
	headers, err := epistula.GetHeaders(d.hotkey, r.endpoint.Hotkey, body)
	if err != nil {
		return wire.Reply{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := r.client.Do(req)
	if err != nil {
		return wire.Reply{}, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return wire.Reply{}, err
	}
	if res.StatusCode != http.StatusOK {
		return wire.Reply{}, fmt.Errorf("peer answered %d: %s", res.StatusCode, raw)
	}
	var rep wire.Reply
	if err := msgpack.Unmarshal(raw, &rep); err != nil {
		return wire.Reply{}, fmt.Errorf("%w: %s", errDecodeReply, err)
	}
	return rep, nil
}

// receptor returns the cached per-peer state, rebuilding it when the peer's
// endpoint record changed on a resync.
func (d *Dendrite) receptor(ep endpoint.Endpoint) *receptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.receptors[ep.Hotkey]; ok && r.endpoint == ep {
		return r
	}
	r := newReceptor(ep)
	d.receptors[ep.Hotkey] = r
	return r
}

// classify maps a transport fault onto the client-side code space.
func classify(err error) wire.ReturnCode {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return wire.Unavailable
	case errors.Is(err, errDecodeReply):
		return wire.ResponseDeserializationException
	case errors.Is(err, context.DeadlineExceeded):
		return wire.Timeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return wire.Timeout
	}
	return wire.Unavailable
}
