// Package settlement routes on-chain transfer submission and confirmation to
// the chain client registered for each network.
package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/x402pay/clients"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/wallet"
)

// Service manages chain clients across multiple networks
type Service struct {
	mu             sync.RWMutex
	clients        map[types.Network]clients.Client
	submitTimeout  time.Duration
	confirmTimeout time.Duration
}

// NewService creates a routing service. submitTimeout bounds building,
// signing and broadcasting; confirmTimeout bounds waiting on chain.
func NewService(submitTimeout, confirmTimeout time.Duration) *Service {
	return &Service{
		clients:        make(map[types.Network]clients.Client),
		submitTimeout:  submitTimeout,
		confirmTimeout: confirmTimeout,
	}
}

// AddSolanaClient adds a Solana client for its network
func (s *Service) AddSolanaClient(client *clients.SolanaClient) error {
	if !client.GetNetwork().IsSolana() {
		return types.Errorf(types.ErrUnsupportedNetwork, "network %s is not a Solana network", client.GetNetwork())
	}
	return s.AddClient(client)
}

// AddEVMClient adds an EVM client for its network
func (s *Service) AddEVMClient(client *clients.EVMClient) error {
	if !client.GetNetwork().IsEVM() {
		return types.Errorf(types.ErrUnsupportedNetwork, "network %s is not an EVM network", client.GetNetwork())
	}
	return s.AddClient(client)
}

// AddClient registers any chain client, replacing and closing a previous
// client for the same network.
func (s *Service) AddClient(client clients.Client) error {
	network := client.GetNetwork()
	if network.Family() == "" {
		return types.Errorf(types.ErrUnsupportedNetwork, "unsupported network: %s", network)
	}

	s.mu.Lock()
	prev := s.clients[network]
	s.clients[network] = client
	s.mu.Unlock()

	if prev != nil && prev != client {
		prev.Close()
	}
	return nil
}

func (s *Service) client(network types.Network) (clients.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[network]
	if !ok {
		return nil, types.Errorf(types.ErrUnsupportedNetwork, "no chain client configured for network %s", network)
	}
	return c, nil
}

// Submit builds, signs and broadcasts req on its network.
func (s *Service) Submit(
	ctx context.Context,
	req *types.TransferRequest,
	w wallet.Wallet,
) (*types.TransactionReference, error) {
	c, err := s.client(req.Network)
	if err != nil {
		return nil, err
	}

	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()
	}

	return c.SubmitTransfer(ctx, req, w)
}

// Await waits for ref to reach level, bounded by the confirm timeout.
func (s *Service) Await(
	ctx context.Context,
	ref types.TransactionReference,
	level types.Commitment,
) (*types.Confirmation, error) {
	c, err := s.client(ref.Network)
	if err != nil {
		return nil, err
	}

	if s.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.confirmTimeout)
		defer cancel()
	}

	return c.AwaitConfirmation(ctx, ref, level)
}

// IsNetworkSupported checks if a network has a client
func (s *Service) IsNetworkSupported(network types.Network) bool {
	_, err := s.client(network)
	return err == nil
}

// Networks lists the networks with a registered client, sorted.
func (s *Service) Networks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Network, 0, len(s.clients))
	for n := range s.clients {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes all client connections
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n, c := range s.clients {
		c.Close()
		delete(s.clients, n)
	}
}
