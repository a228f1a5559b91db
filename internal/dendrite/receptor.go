package dendrite

import (
	"net/http"
	"time"

	"github.com/opentensor/BitTensor/internal/endpoint"

	"github.com/sony/gobreaker"
)

// receptor is the cached client state for one peer: a dedicated transport
// and a circuit breaker so a dead peer stops costing connection attempts.
type receptor struct {
	endpoint endpoint.Endpoint
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func newReceptor(ep endpoint.Endpoint) *receptor {
	return &receptor{
		endpoint: ep,
		client: &http.Client{Transport: &http.Transport{
			TLSHandshakeTimeout: 5 * time.Second,
			MaxConnsPerHost:     1,
			DisableKeepAlives:   true,
		}},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.Hotkey,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}
