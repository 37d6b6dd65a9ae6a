// Package deploy discovers infrastructure hosts and tracks agent rollouts.
// Reachability is probed with plain TCP connects (ICMP needs raw sockets);
// the answering port doubles as an OS hint. The remote provisioning
// transport lives behind the Deployer interface.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

const (
	scanWorkers  = 50
	probeTimeout = time.Second

	sshPort   = 22
	winrmPort = 5985

	// deployTimeout bounds one background rollout end to end.
	deployTimeout = 10 * time.Minute
)

var (
	ErrNodeExists       = errors.New("node with this ip already exists")
	ErrNodeNotFound     = errors.New("node not found")
	ErrDeployInProgress = errors.New("deployment already in progress")
	ErrInvalidAddress   = errors.New("invalid ip address")
	ErrUnknownAgentType = errors.New("unknown agent type")
)

// Store is the persistence surface the service needs.
type Store interface {
	UpsertInfraNode(ctx context.Context, n *model.InfraNode) error
	GetInfraNode(ctx context.Context, id string) (*model.InfraNode, error)
	GetInfraNodeByIP(ctx context.Context, ip string) (*model.InfraNode, error)
	ListInfraNodes(ctx context.Context, status string) ([]model.InfraNode, error)
	UpdateNodeDeployment(ctx context.Context, id, deployStatus, agentType, agentID, errMsg string) error
}

// Deployer installs an agent on a discovered node. Implementations own the
// transport (SSH, WinRM, image bake); the service only tracks state.
type Deployer interface {
	Deploy(ctx context.Context, node model.InfraNode, req DeployRequest) error
}

type Auditor interface {
	Record(ctx context.Context, actor, action, target string, details map[string]any)
}

// DeployRequest carries the rollout parameters for one node.
type DeployRequest struct {
	AgentType    string `json:"agent_type"`
	AgentSubtype string `json:"agent_subtype"`
	Zone         string `json:"zone"`
	CoreAPIURL   string `json:"core_api_url"`
	NATSURL      string `json:"nats_url"`
	SSHUsername  string `json:"ssh_username,omitempty"`
}

// Service sweeps networks for hosts and orchestrates agent rollouts through
// the configured Deployer.
type Service struct {
	store    Store
	deployer Deployer
	audit    Auditor
	log      *logging.Logger

	// probe reports whether a TCP endpoint accepts connections. Swapped in
	// tests.
	probe func(ctx context.Context, addr string) bool

	wg sync.WaitGroup
}

func New(st Store, d Deployer, audit Auditor, log *logging.Logger) *Service {
	return &Service{store: st, deployer: d, audit: audit, log: log, probe: dialProbe}
}

func dialProbe(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Scan sweeps a CIDR for hosts answering on the SSH or WinRM port and
// records every hit. Known nodes get their last_seen and reachability
// refreshed without losing deployment state.
func (s *Service) Scan(ctx context.Context, cidr string) ([]model.InfraNode, error) {
	hosts, err := hostsInCIDR(cidr)
	if err != nil {
		return nil, err
	}
	s.log.Info("network scan started", "cidr", cidr, "hosts", len(hosts))

	type hit struct {
		ip     string
		osType string
	}
	jobs := make(chan string)
	hits := make(chan hit)
	workers := scanWorkers
	if len(hosts) < workers {
		workers = len(hosts)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ip := range jobs {
				if s.probe(ctx, net.JoinHostPort(ip, strconv.Itoa(sshPort))) {
					hits <- hit{ip: ip, osType: "linux"}
					continue
				}
				if s.probe(ctx, net.JoinHostPort(ip, strconv.Itoa(winrmPort))) {
					hits <- hit{ip: ip, osType: "windows"}
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, ip := range hosts {
			select {
			case jobs <- ip:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(hits)
	}()

	var nodes []model.InfraNode
	for h := range hits {
		n := model.InfraNode{
			ID:              uuid.NewString(),
			IPAddress:       h.ip,
			OSType:          h.osType,
			Status:          model.NodeReachable,
			DiscoveryMethod: "tcp_connect",
		}
		if err := s.store.UpsertInfraNode(ctx, &n); err != nil {
			s.log.Warn("discovered node not recorded", "ip", h.ip, "error", err)
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].IPAddress < nodes[j].IPAddress })

	s.log.Info("network scan finished", "cidr", cidr, "reachable", len(nodes))
	s.audit.Record(ctx, "deployment", "network_scanned", cidr, map[string]any{
		"discovered": len(nodes),
	})
	return nodes, nil
}

// AddNode registers a host by hand, for networks where scanning is
// off-limits.
func (s *Service) AddNode(ctx context.Context, n *model.InfraNode) error {
	if _, err := netip.ParseAddr(n.IPAddress); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, n.IPAddress)
	}
	existing, err := s.store.GetInfraNodeByIP(ctx, n.IPAddress)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrNodeExists
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Status = model.NodeDiscovered
	n.DiscoveryMethod = "manual"
	if err := s.store.UpsertInfraNode(ctx, n); err != nil {
		return err
	}
	s.audit.Record(ctx, "deployment", "node_added", n.ID, map[string]any{
		"ip_address": n.IPAddress,
	})
	return nil
}

// ListNodes returns the known inventory, optionally filtered by status.
func (s *Service) ListNodes(ctx context.Context, status string) ([]model.InfraNode, error) {
	return s.store.ListInfraNodes(ctx, status)
}

// RequestDeploy marks a node pending and starts the rollout in the
// background. Callers poll the node list to observe progress.
func (s *Service) RequestDeploy(ctx context.Context, nodeID string, req DeployRequest) (*model.InfraNode, error) {
	if req.AgentType != model.AgentTypeSentinel && req.AgentType != model.AgentTypeStriker {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, req.AgentType)
	}
	node, err := s.store.GetInfraNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrNodeNotFound
	}
	if node.DeploymentStatus == model.DeployPending || node.DeploymentStatus == model.DeployInProgress {
		return nil, ErrDeployInProgress
	}
	if err := s.store.UpdateNodeDeployment(ctx, nodeID, model.DeployPending, req.AgentType, "", ""); err != nil {
		return nil, err
	}
	node.DeploymentStatus = model.DeployPending
	s.audit.Record(ctx, "deployment", "deploy_requested", nodeID, map[string]any{
		"ip_address":    node.IPAddress,
		"agent_type":    req.AgentType,
		"agent_subtype": req.AgentSubtype,
		"zone":          req.Zone,
	})

	s.wg.Add(1)
	go func(target model.InfraNode) {
		defer s.wg.Done()
		// The HTTP request is long gone by the time the rollout runs.
		runCtx, cancel := context.WithTimeout(context.Background(), deployTimeout)
		defer cancel()
		s.runDeploy(runCtx, target, req)
	}(*node)
	return node, nil
}

// Wait blocks until in-flight rollouts finish. Called on shutdown.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) runDeploy(ctx context.Context, node model.InfraNode, req DeployRequest) {
	if err := s.store.UpdateNodeDeployment(ctx, node.ID, model.DeployInProgress, req.AgentType, "", ""); err != nil {
		s.log.Error("deployment state not recorded", "node_id", node.ID, "error", err)
		return
	}
	if err := s.deployer.Deploy(ctx, node, req); err != nil {
		s.log.Error("deployment failed", "ip", node.IPAddress, "agent_type", req.AgentType, "error", err)
		if uerr := s.store.UpdateNodeDeployment(ctx, node.ID, model.DeployFailed, req.AgentType, "", err.Error()); uerr != nil {
			s.log.Error("deployment failure not recorded", "node_id", node.ID, "error", uerr)
		}
		return
	}
	if err := s.store.UpdateNodeDeployment(ctx, node.ID, model.DeploySuccess, req.AgentType, "", ""); err != nil {
		s.log.Error("deployment success not recorded", "node_id", node.ID, "error", err)
		return
	}
	s.log.Info("deployment complete", "ip", node.IPAddress, "agent_type", req.AgentType)
}

// hostsInCIDR expands a prefix into host addresses, excluding the network
// and broadcast addresses of conventional IPv4 subnets. Ranges wider than
// /20 are refused rather than swept.
func hostsInCIDR(cidr string) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse cidr: %w", err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 ranges are scannable, got %s", cidr)
	}
	if prefix.Bits() < 20 {
		return nil, fmt.Errorf("range %s too large to sweep (max /20)", cidr)
	}
	var hosts []string
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr.String())
	}
	if prefix.Bits() < 31 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}
