package server

import (
	"context"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/cache"
	"github.com/assetvault/go-assetvault/service/ipfs"
	"github.com/assetvault/go-assetvault/service/progress"
	"github.com/assetvault/go-assetvault/service/redis"
	"github.com/assetvault/go-assetvault/service/registry"
	"github.com/assetvault/go-assetvault/service/rpc"
	"github.com/assetvault/go-assetvault/service/sign"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Clients holds every long-lived dependency the handlers share. Construction
// is explicit so the dependency graph is readable in one place.
type Clients struct {
	EthClient *ethclient.Client
	Store     *ipfs.Store
	Gateway   *rpc.Gateway
	Cache     *cache.MetadataCache
	Tracker   *progress.Tracker
	Registry  *registry.Registry

	redisCache *redis.Cache
}

// NewClients builds the full dependency graph from the environment.
func NewClients(ctx context.Context) *Clients {
	ethClient := rpc.NewEthClient(ctx)

	wallet, err := sign.NewLocalWallet()
	if err != nil {
		panic(err)
	}
	signer := sign.NewSigner(wallet)
	gateway := rpc.NewGateway(ethClient, wallet)

	var persistent cache.PersistentTier
	var redisCache *redis.Cache
	if env.GetString("REDIS_URL") != "" {
		redisCache = redis.NewCache("assets")
		persistent = redisCache
	}
	metadataCache := cache.NewMetadataCache(persistent)

	store := ipfs.NewStore(ipfs.NewShell())
	tracker := progress.NewTracker()

	return &Clients{
		EthClient:  ethClient,
		Store:      store,
		Gateway:    gateway,
		Cache:      metadataCache,
		Tracker:    tracker,
		Registry:   registry.NewRegistry(store, gateway, signer, metadataCache, tracker),
		redisCache: redisCache,
	}
}

// Close releases client connections.
func (c *Clients) Close() {
	c.EthClient.Close()
	if c.redisCache != nil {
		c.redisCache.Close()
	}
}
