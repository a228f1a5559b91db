package dendrite_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/opentensor/BitTensor/internal/axon"
	"github.com/opentensor/BitTensor/internal/dendrite"
	"github.com/opentensor/BitTensor/internal/endpoint"
	"github.com/opentensor/BitTensor/internal/tensor"
	"github.com/opentensor/BitTensor/internal/wire"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

func newPeer(t *testing.T) (*axon.Axon, *httptest.Server) {
	t.Helper()
	a := axon.New(axon.Options{
		Hotkey:     signature.TestKeyringPairAlice,
		NetworkDim: testDim,
	})
	a.AttachForwardCallback(func(hotkey string, inputs *tensor.Tensor, modality tensor.Modality) (*tensor.Tensor, error) {
		return tensor.Zeros(inputs.Shape[0], inputs.Shape[1], testDim), nil
	})
	a.AttachBackwardCallback(func(hotkey string, inputs, grads *tensor.Tensor, modality tensor.Modality) (*tensor.Tensor, error) {
		return tensor.Zeros(inputs.Shape...), nil
	})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func endpointFor(t *testing.T, rawURL string, uid uint32) endpoint.Endpoint {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	ep, err := endpoint.New(uid, fmt.Sprintf("peer-%d", uid), host, uint16(port), tensor.ModalityTensor)
	require.NoError(t, err)
	return ep
}

// deadEndpoint grabs a free port and releases it so connections get refused.
func deadEndpoint(t *testing.T, uid uint32) endpoint.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return endpointFor(t, "http://"+addr, uid)
}

func inputs(n int) []*tensor.Tensor {
	out := make([]*tensor.Tensor, n)
	for i := range out {
		out[i] = tensor.Zeros(1, 1, testDim)
	}
	return out
}

func TestForwardRoundTrip(t *testing.T) {
	_, srv := newPeer(t)
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{})

	outs, codes, err := d.Forward(context.Background(), []endpoint.Endpoint{endpointFor(t, srv.URL, 0)}, inputs(1), tensor.ModalityTensor)
	require.NoError(t, err)
	require.Equal(t, []wire.ReturnCode{wire.Success}, codes)
	require.NotNil(t, outs[0])
	assert.Equal(t, []uint32{1, 1, testDim}, outs[0].Shape)
}

func TestForwardIsolatesFailures(t *testing.T) {
	_, srvA := newPeer(t)
	_, srvB := newPeer(t)
	eps := []endpoint.Endpoint{
		endpointFor(t, srvA.URL, 0),
		deadEndpoint(t, 1),
		endpointFor(t, srvB.URL, 2),
	}
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{Timeout: 5 * time.Second})

	outs, codes, err := d.Forward(context.Background(), eps, inputs(3), tensor.ModalityTensor)
	require.NoError(t, err)
	require.Len(t, codes, 3)
	assert.Equal(t, wire.Success, codes[0])
	assert.Equal(t, wire.Unavailable, codes[1])
	assert.Equal(t, wire.Success, codes[2])
	assert.NotNil(t, outs[0])
	assert.Nil(t, outs[1])
	assert.NotNil(t, outs[2])
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(srv.Close)
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{Timeout: 100 * time.Millisecond})

	_, codes, err := d.Forward(context.Background(), []endpoint.Endpoint{endpointFor(t, srv.URL, 0)}, inputs(1), tensor.ModalityTensor)
	require.NoError(t, err)
	assert.Equal(t, wire.Timeout, codes[0])
}

func TestForwardRemoteCodesPassThrough(t *testing.T) {
	// A peer with no callback attached answers NotImplemented.
	a := axon.New(axon.Options{Hotkey: signature.TestKeyringPairAlice, NetworkDim: testDim})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{})

	outs, codes, err := d.Forward(context.Background(), []endpoint.Endpoint{endpointFor(t, srv.URL, 0)}, inputs(1), tensor.ModalityTensor)
	require.NoError(t, err)
	assert.Equal(t, wire.NotImplemented, codes[0])
	assert.Nil(t, outs[0])
}

func TestForwardUndecodableReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("garbage"))
	}))
	t.Cleanup(srv.Close)
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{})

	_, codes, err := d.Forward(context.Background(), []endpoint.Endpoint{endpointFor(t, srv.URL, 0)}, inputs(1), tensor.ModalityTensor)
	require.NoError(t, err)
	assert.Equal(t, wire.ResponseDeserializationException, codes[0])
}

func TestForwardArityMismatch(t *testing.T) {
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{})
	_, _, err := d.Forward(context.Background(), []endpoint.Endpoint{{}, {}}, inputs(1), tensor.ModalityTensor)
	assert.Error(t, err)
}

func TestForwardAddresslessEndpoints(t *testing.T) {
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{})
	// The zero endpoint and a registered peer that never posted axon info
	// both lack an address and are unreachable without being dialed.
	eps := []endpoint.Endpoint{{}, {Hotkey: "peer-3", UID: 3}}
	outs, codes, err := d.Forward(context.Background(), eps, inputs(2), tensor.ModalityTensor)
	require.NoError(t, err)
	assert.Equal(t, []wire.ReturnCode{wire.Unavailable, wire.Unavailable}, codes)
	assert.Nil(t, outs[0])
	assert.Nil(t, outs[1])
}

func TestBackwardRoundTrip(t *testing.T) {
	_, srv := newPeer(t)
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{})

	grads := []*tensor.Tensor{tensor.Zeros(1, 1, testDim)}
	outs, codes, err := d.Backward(context.Background(), []endpoint.Endpoint{endpointFor(t, srv.URL, 0)}, inputs(1), grads, tensor.ModalityTensor)
	require.NoError(t, err)
	require.Equal(t, []wire.ReturnCode{wire.Success}, codes)
	require.NotNil(t, outs[0])
	assert.Equal(t, []uint32{1, 1, testDim}, outs[0].Shape)

	_, _, err = d.Backward(context.Background(), []endpoint.Endpoint{endpointFor(t, srv.URL, 0)}, inputs(1), nil, tensor.ModalityTensor)
	assert.Error(t, err)
}

func TestBreakerOpensOnDeadPeer(t *testing.T) {
	d := dendrite.New(signature.TestKeyringPairAlice, dendrite.Options{Timeout: time.Second})
	ep := deadEndpoint(t, 7)

	// Past the failure threshold the breaker answers without dialing;
	// the caller sees the same Unavailable either way.
	for i := 0; i < 7; i++ {
		_, codes, err := d.Forward(context.Background(), []endpoint.Endpoint{ep}, inputs(1), tensor.ModalityTensor)
		require.NoError(t, err)
		assert.Equal(t, wire.Unavailable, codes[0])
	}
}
