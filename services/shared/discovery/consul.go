// Package discovery registers the gateway with Consul.
package discovery

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"
)

// Config holds Consul client configuration.
type Config struct {
	Address    string   `mapstructure:"address"`
	Token      string   `mapstructure:"token"`
	Datacenter string   `mapstructure:"datacenter"`
	ServiceID  string   `mapstructure:"service_id"`
	Tags       []string `mapstructure:"tags"`
}

// Registration describes a service instance.
type Registration struct {
	ID      string
	Name    string
	Address string
	Port    int
	Tags    []string
	// HealthURL is polled by the Consul agent. Empty disables the check.
	HealthURL string
}

// Client wraps the Consul API client.
type Client struct {
	client *api.Client
}

// NewClient creates a Consul client and verifies the agent answers.
func NewClient(cfg Config) (*Client, error) {
	consulCfg := api.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}

	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}

	return &Client{client: client}, nil
}

// Register registers the service instance with the local agent.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	svc := &api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
	}
	if reg.HealthURL != "" {
		svc.Check = &api.AgentServiceCheck{
			HTTP:                           reg.HealthURL,
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		}
	}

	opts := api.ServiceRegisterOpts{}.WithContext(ctx)
	if err := c.client.Agent().ServiceRegisterOpts(svc, opts); err != nil {
		return fmt.Errorf("registering service %s: %w", reg.ID, err)
	}
	return nil
}

// Deregister removes the service instance from the local agent.
func (c *Client) Deregister(ctx context.Context, id string) error {
	q := (&api.QueryOptions{}).WithContext(ctx)
	if err := c.client.Agent().ServiceDeregisterOpts(id, q); err != nil {
		return fmt.Errorf("deregistering service %s: %w", id, err)
	}
	return nil
}

// Ping checks that the cluster has a leader.
func (c *Client) Ping(ctx context.Context) error {
	q := (&api.QueryOptions{}).WithContext(ctx)
	leader, err := c.client.Status().LeaderWithQueryOptions(q)
	if err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("consul has no leader")
	}
	return nil
}
